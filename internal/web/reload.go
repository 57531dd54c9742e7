// pattern: Imperative Shell

package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"devsync/internal/events"
	"devsync/internal/logging"
)

// ReloadMessage is pushed to browsers over the reload socket.
type ReloadMessage struct {
	Type       string   `json:"type"` // "hello", "reload" or "errors"
	Generation int      `json:"generation"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

func newReloadMessage(e events.BuildEvent) ReloadMessage {
	msg := ReloadMessage{
		Type:       "reload",
		Generation: e.Generation,
		Warnings:   e.Warnings,
	}
	if len(e.Errors) > 0 {
		msg.Type = "errors"
		msg.Errors = e.Errors
	}
	return msg
}

type reloadClient struct {
	send   chan ReloadMessage
	cancel context.CancelFunc
}

// reloadHub tracks websocket clients. Slow clients drop messages rather
// than stall the build.
type reloadHub struct {
	logger *logging.ScopedLogger

	mu      sync.Mutex
	clients map[*reloadClient]struct{}
	closed  bool
}

func newReloadHub(logger *logging.ScopedLogger) *reloadHub {
	return &reloadHub{
		logger:  logger,
		clients: make(map[*reloadClient]struct{}),
	}
}

func (h *reloadHub) add(c *reloadClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *reloadHub) remove(c *reloadClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Len returns the number of connected clients.
func (h *reloadHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues msg for every client.
func (h *reloadHub) Broadcast(msg ReloadMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("reload client lagging, message dropped")
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *reloadHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.cancel()
	}
}

// handleReload upgrades to websocket and forwards build results until the
// browser goes away or the server shuts down.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	// Restrict to localhost origins to prevent cross-origin WebSocket attacks.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"127.0.0.1:*", "localhost:*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(4096)

	// Do not use r.Context() after the upgrade.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &reloadClient{send: make(chan ReloadMessage, 4), cancel: cancel}
	if !s.reload.add(client) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.reload.remove(client)

	// Browsers never send anything; reading just notices the close.
	ctx = conn.CloseRead(ctx)

	hello := ReloadMessage{Type: "hello", Generation: s.Generation()}
	if err := s.writeJSON(ctx, conn, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server restarting")
			return
		case msg := <-client.send:
			if err := s.writeJSON(ctx, conn, msg); err != nil {
				s.logger.Debug("reload client write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeJSON(ctx context.Context, conn *websocket.Conn, msg ReloadMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// clientScript reconnects across restarts and reloads the page when a build
// succeeds.
const clientScript = `(function () {
  var proto = location.protocol === "https:" ? "wss:" : "ws:";
  var url = proto + "//" + location.host + "/__devsync/reload";
  var generation = null;
  function connect() {
    var ws = new WebSocket(url);
    ws.onmessage = function (ev) {
      var msg = JSON.parse(ev.data);
      if (msg.type === "hello") {
        if (generation !== null && generation !== msg.generation) location.reload();
        generation = msg.generation;
      } else if (msg.type === "reload") {
        location.reload();
      } else if (msg.type === "errors") {
        console.error("[devsync] build failed:\n" + msg.errors.join("\n"));
      }
    };
    ws.onclose = function () { setTimeout(connect, 1000); };
  }
  connect();
})();
`

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(clientScript))
}
