// pattern: Functional Core

package watcher

import "time"

// Kind classifies a filesystem event.
type Kind int

const (
	Add Kind = iota
	Change
	Unlink
	AddDir
	UnlinkDir
)

func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Change:
		return "change"
	case Unlink:
		return "unlink"
	case AddDir:
		return "addDir"
	case UnlinkDir:
		return "unlinkDir"
	default:
		return "unknown"
	}
}

// Event is a classified change under the watched root.
type Event struct {
	Path string
	Kind Kind
	Time time.Time
}

// IsDir reports whether the event concerns a directory.
func (e Event) IsDir() bool {
	return e.Kind == AddDir || e.Kind == UnlinkDir
}

// IsDelete reports whether the path went away.
func (e Event) IsDelete() bool {
	return e.Kind == Unlink || e.Kind == UnlinkDir
}

// Handler receives events on the watcher's goroutine.
type Handler func(Event)
