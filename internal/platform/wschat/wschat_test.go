package wschat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/chatwarden/internal/orchestrator"
)

func TestDispatchAndSendText(t *testing.T) {
	b := New(Config{}, nil)

	var got orchestrator.ChatEvent
	received := make(chan struct{}, 1)
	b.Handler = func(ctx context.Context, ev orchestrator.ChatEvent) {
		got = ev
		received <- struct{}{}
	}

	srv := httptest.NewServer(http.HandlerFunc(b.handleWS))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = "group=room-1"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(inboundFrame{UserID: "u1", Text: "hello there"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	if got.GroupID != "room-1" {
		t.Errorf("GroupID = %q, want room-1", got.GroupID)
	}
	if got.RawText != "hello there" {
		t.Errorf("RawText = %q", got.RawText)
	}

	time.Sleep(50 * time.Millisecond) // let addConn register before SendText races it
	if err := b.SendText(context.Background(), "room-1", "reply text", ""); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	var frame outboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read outbound frame: %v", err)
	}
	if frame.Text != "reply text" {
		t.Errorf("outbound Text = %q", frame.Text)
	}
}

func TestSendTextToEmptyGroupIsNotError(t *testing.T) {
	b := New(Config{}, nil)
	if err := b.SendText(context.Background(), "nobody-here", "hi", ""); err != nil {
		t.Errorf("SendText to an empty group should not error, got %v", err)
	}
}

func TestMissingGroupParamRejected(t *testing.T) {
	b := New(Config{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(b.handleWS))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
