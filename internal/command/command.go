// Package command implements the slash-command dispatch path the
// orchestrator (C12) hands command-classified events to (spec.md §4.3's
// isCommand branch). Grounded on internal/tools' named-handler registry
// idiom (Registry.tools map[string]*Tool, register* per capability),
// adapted from tool-call arguments to a raw command line plus its reply
// text instead of a structured JSON result.
package command

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Event is the minimal shape a command handler needs.
type Event struct {
	Platform string
	GroupID  string
	UserID   string
	RawText  string
}

// Dispatcher routes a command event to its handler and reports any
// error so the orchestrator can log it; a Dispatcher never sends a
// reply itself — a Responder, if set, is used for that (spec.md §4.12
// treats commands as "handled separately... outside the reply
// pipeline").
type Dispatcher interface {
	Handle(ctx context.Context, ev Event) error
}

// Responder sends a command's textual result back to its originating
// group, bypassing the send pipeline's typing/segment machinery since
// command replies are not conversational (spec.md §1 Non-goals).
type Responder interface {
	SendText(ctx context.Context, groupID, text, replyTo string) error
}

// Handler executes one command invocation (the text after its prefix
// and name) and returns the reply text to send, or an error.
type Handler func(ctx context.Context, ev Event, args string) (string, error)

// Registry is a Dispatcher that looks commands up by name.
type Registry struct {
	responder Responder

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty command Registry. responder may be nil,
// in which case Handle still runs handlers but discards their output —
// useful for tests that only assert on side effects.
func NewRegistry(responder Responder) *Registry {
	return &Registry{
		responder: responder,
		handlers:  make(map[string]Handler),
	}
}

// Register installs fn under name (case-insensitive, compared without
// the command prefix). Registering the same name twice replaces the
// prior handler.
func (r *Registry) Register(name string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(name)] = fn
}

// parseCommand splits "/name rest of args" into ("name", "rest of
// args"), stripping whichever recognized prefix is present.
func parseCommand(raw string) (name, args string) {
	trimmed := strings.TrimSpace(raw)
	for _, prefix := range []string{"/", "！"} {
		if strings.HasPrefix(trimmed, prefix) {
			trimmed = strings.TrimPrefix(trimmed, prefix)
			break
		}
	}
	fields := strings.SplitN(trimmed, " ", 2)
	name = strings.ToLower(fields[0])
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}
	return name, args
}

// Handle looks up ev's command name and runs its handler, sending the
// result through Responder if one is configured. An unknown command
// name is not an error — spec.md leaves unrecognized commands
// unspecified, so Registry silently ignores them rather than surfacing
// a confusing reply.
func (r *Registry) Handle(ctx context.Context, ev Event) error {
	name, args := parseCommand(ev.RawText)

	r.mu.RLock()
	fn, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	reply, err := fn(ctx, ev, args)
	if err != nil {
		return fmt.Errorf("command %q: %w", name, err)
	}
	if reply == "" || r.responder == nil {
		return nil
	}
	return r.responder.SendText(ctx, ev.GroupID, reply, "")
}
