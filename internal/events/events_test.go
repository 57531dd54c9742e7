package events

import "testing"

func TestHub_PublishInSubscriptionOrder(t *testing.T) {
	h := NewHub()
	var order []string
	h.Subscribe(ObserverFunc(func(BuildEvent) { order = append(order, "a") }))
	h.Subscribe(ObserverFunc(func(BuildEvent) { order = append(order, "b") }))

	h.Publish(BuildEvent{Kind: Done})

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v, want [a b]", order)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub()
	calls := 0
	sub := h.Subscribe(ObserverFunc(func(BuildEvent) { calls++ }))

	h.Publish(BuildEvent{Kind: Invalid})
	h.Unsubscribe(sub)
	h.Publish(BuildEvent{Kind: Done})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}

	// Unknown handles are a no-op.
	h.Unsubscribe(sub)
}

func TestHub_ObserverMayUnsubscribeDuringPublish(t *testing.T) {
	h := NewHub()
	var sub Subscription
	sub = h.Subscribe(ObserverFunc(func(BuildEvent) { h.Unsubscribe(sub) }))

	h.Publish(BuildEvent{Kind: Done})

	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}
}

func TestBuildEvent_Successful(t *testing.T) {
	tests := []struct {
		name string
		ev   BuildEvent
		want bool
	}{
		{"clean done", BuildEvent{Kind: Done}, true},
		{"done with errors", BuildEvent{Kind: Done, Errors: []string{"x"}}, false},
		{"done with warnings", BuildEvent{Kind: Done, Warnings: []string{"w"}}, false},
		{"invalid", BuildEvent{Kind: Invalid}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Successful(); got != tt.want {
				t.Errorf("Successful() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	if Invalid.String() != "invalid" || Done.String() != "done" {
		t.Errorf("unexpected kind names %q %q", Invalid, Done)
	}
}
