// Package wschat implements a raw WebSocket orchestrator.Adapter for
// exercising the orchestrator end-to-end without a real chat platform.
// Grounded on internal/signal/client.go's envelope-decoding read loop
// (one goroutine draining a connection, JSON-decoding each frame),
// adapted from signal-cli's JSON-RPC subprocess framing to a plain
// gorilla/websocket server: a client connects once per group and
// exchanges inboundFrame/outboundFrame JSON messages directly, no
// request/response correlation needed since there are no RPC calls.
package wschat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/chatwarden/internal/orchestrator"
)

// inboundFrame is what a test client sends for each chat message.
type inboundFrame struct {
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Text        string `json:"text"`
	MentionsBot bool   `json:"mentions_bot,omitempty"`
	FromBot     bool   `json:"from_bot,omitempty"`
}

// outboundFrame is what SendText pushes to every connection in a group.
type outboundFrame struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// Config configures the wschat adapter's listener.
type Config struct {
	Address      string
	Port         int
	PlatformName string
}

// Bridge is a websocket-backed orchestrator.Adapter. Each connection
// belongs to exactly one group, selected by the "group" query
// parameter on the /ws upgrade request.
type Bridge struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{} // groupID -> connections

	Handler func(ctx context.Context, ev orchestrator.ChatEvent)
}

// New creates a wschat Bridge.
func New(cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PlatformName == "" {
		cfg.PlatformName = "wschat"
	}
	return &Bridge{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

var _ orchestrator.Adapter = (*Bridge)(nil)

// Start runs the websocket listener until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)

	b.server = &http.Server{Addr: fmt.Sprintf("%s:%d", b.cfg.Address, b.cfg.Port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("wschat listener starting", "address", b.server.Addr)
		errCh <- b.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return b.server.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("wschat: listen: %w", err)
		}
		return nil
	}
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("group")
	if groupID == "" {
		http.Error(w, "missing group query parameter", http.StatusBadRequest)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("wschat: upgrade failed", "error", err)
		return
	}

	b.addConn(groupID, conn)
	defer b.removeConn(groupID, conn)

	b.readLoop(r.Context(), groupID, conn)
}

func (b *Bridge) addConn(groupID string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns[groupID] == nil {
		b.conns[groupID] = make(map[*websocket.Conn]struct{})
	}
	b.conns[groupID][conn] = struct{}{}
}

func (b *Bridge) removeConn(groupID string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns[groupID], conn)
	if len(b.conns[groupID]) == 0 {
		delete(b.conns, groupID)
	}
	conn.Close()
}

func (b *Bridge) readLoop(ctx context.Context, groupID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.logger.Debug("wschat: unparseable frame", "error", err)
			continue
		}
		if b.Handler == nil {
			continue
		}
		b.Handler(ctx, orchestrator.ChatEvent{
			Platform:    b.cfg.PlatformName,
			GroupID:     groupID,
			UserID:      frame.UserID,
			UserName:    frame.UserName,
			MessageID:   frame.MessageID,
			RawText:     frame.Text,
			Timestamp:   time.Now(),
			MentionsBot: frame.MentionsBot,
			FromBot:     frame.FromBot,
		})
	}
}

// SendText broadcasts text to every connection currently joined to
// groupID, satisfying orchestrator.Adapter. A group with no connected
// clients is not an error: the message is simply dropped, matching how
// a real chat platform drops a send to an empty room.
func (b *Bridge) SendText(ctx context.Context, groupID, text, replyTo string) error {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns[groupID]))
	for c := range b.conns[groupID] {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	frame := outboundFrame{Text: text, ReplyTo: replyTo}
	var firstErr error
	for _, c := range conns {
		if err := c.WriteJSON(frame); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("wschat: write: %w", err)
		}
	}
	return firstErr
}
