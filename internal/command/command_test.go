package command

import (
	"context"
	"errors"
	"testing"
)

type fakeResponder struct {
	groupID, text, replyTo string
	called                 bool
}

func (f *fakeResponder) SendText(ctx context.Context, groupID, text, replyTo string) error {
	f.called = true
	f.groupID, f.text, f.replyTo = groupID, text, replyTo
	return nil
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		raw      string
		wantName string
		wantArgs string
	}{
		{"/ping", "ping", ""},
		{"/echo hello world", "echo", "hello world"},
		{"！status", "status", ""},
		{"  /ping  ", "ping", ""},
	}
	for _, c := range cases {
		name, args := parseCommand(c.raw)
		if name != c.wantName || args != c.wantArgs {
			t.Errorf("parseCommand(%q) = (%q, %q), want (%q, %q)", c.raw, name, args, c.wantName, c.wantArgs)
		}
	}
}

func TestRegistryHandleDispatchesAndSends(t *testing.T) {
	resp := &fakeResponder{}
	r := NewRegistry(resp)
	r.Register("ping", func(ctx context.Context, ev Event, args string) (string, error) {
		return "pong", nil
	})

	err := r.Handle(context.Background(), Event{GroupID: "g1", RawText: "/ping"})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if !resp.called || resp.text != "pong" || resp.groupID != "g1" {
		t.Fatalf("responder not invoked as expected: %+v", resp)
	}
}

func TestRegistryHandleUnknownCommandIsNotError(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Handle(context.Background(), Event{RawText: "/nope"}); err != nil {
		t.Fatalf("unknown command should not error, got %v", err)
	}
}

func TestRegistryHandleWrapsHandlerError(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("boom", func(ctx context.Context, ev Event, args string) (string, error) {
		return "", errors.New("kaboom")
	})
	err := r.Handle(context.Background(), Event{RawText: "/boom"})
	if err == nil {
		t.Fatal("expected error from failing handler")
	}
}

func TestRegistryHandleNoResponderSkipsSend(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("ping", func(ctx context.Context, ev Event, args string) (string, error) {
		return "pong", nil
	})
	if err := r.Handle(context.Background(), Event{RawText: "/ping"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistryPassesArgsThrough(t *testing.T) {
	var gotArgs string
	r := NewRegistry(nil)
	r.Register("echo", func(ctx context.Context, ev Event, args string) (string, error) {
		gotArgs = args
		return "", nil
	})
	if err := r.Handle(context.Background(), Event{RawText: "/echo hello there"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotArgs != "hello there" {
		t.Errorf("args = %q, want %q", gotArgs, "hello there")
	}
}
