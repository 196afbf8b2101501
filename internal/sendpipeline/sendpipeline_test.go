package sendpipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/chatwarden/internal/config"
	"github.com/nugget/chatwarden/internal/session"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	replyTos []string
	failOn   int
	calls    int
}

func (f *fakeSender) SendText(ctx context.Context, groupID, text, replyTo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn > 0 && f.calls == f.failOn {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	f.replyTos = append(f.replyTos, replyTo)
	return nil
}

type zeroRNG struct{}

func (zeroRNG) Float64() float64 { return 0 }

func newTestPipeline(sender Sender) (*Pipeline, *session.Store) {
	st := session.NewStore(nil)
	p := New(st, sender, zeroRNG{}, config.TypingConfig{}, config.SegmentDelayConfig{})
	p.sleep = func(time.Duration) {} // no real waiting in tests
	return p, st
}

func TestSendShortTextSingleSegment(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newTestPipeline(sender)

	res := p.Send(context.Background(), Input{SessionKey: "qq:g1", GroupID: "g1", Text: "hi there"})
	if !res.Sent || res.Cancelled {
		t.Fatalf("got %+v", res)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "hi there" {
		t.Fatalf("sent = %v", sender.sent)
	}
}

func TestSendExplicitBrkSegments(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newTestPipeline(sender)

	res := p.Send(context.Background(), Input{
		SessionKey: "qq:g1", GroupID: "g1", Text: "first<brk>second<brk>third<brk>fourth",
	})
	if !res.Sent {
		t.Fatalf("got %+v", res)
	}
	if len(sender.sent) != 3 {
		t.Fatalf("expected at most 3 segments, got %v", sender.sent)
	}
	if sender.sent[0] != "first" || sender.sent[2] != "third" {
		t.Fatalf("unexpected segments: %v", sender.sent)
	}
}

func TestSendEndsTypingOnSuccess(t *testing.T) {
	sender := &fakeSender{}
	p, st := newTestPipeline(sender)

	p.Send(context.Background(), Input{SessionKey: "qq:g1", GroupID: "g1", Text: "hi"})
	if st.Get("qq:g1").ActiveTypingToken() != nil {
		t.Error("expected typing token cleared after send")
	}
}

func TestSendCancelledDuringTypingDelay(t *testing.T) {
	sender := &fakeSender{}
	st := session.NewStore(nil)
	p := New(st, sender, zeroRNG{}, config.TypingConfig{}, config.SegmentDelayConfig{})

	p.sleep = func(time.Duration) {
		tok := st.Get("qq:g1").ActiveTypingToken()
		tok.Cancel()
	}

	res := p.Send(context.Background(), Input{SessionKey: "qq:g1", GroupID: "g1", Text: "hello world"})
	if res.Sent || !res.Cancelled {
		t.Fatalf("expected cancellation, got %+v", res)
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected no segments sent after cancellation, got %v", sender.sent)
	}
}

func TestSendReplyToOmittedWhenGapTooSmall(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newTestPipeline(sender)

	p.Send(context.Background(), Input{
		SessionKey: "qq:g1", GroupID: "g1", Text: "hi",
		QuoteTarget: &QuoteTarget{MessageID: "123", Seq: 10},
		CurrentSeq:  11,
	})
	if sender.replyTos[0] != "" {
		t.Errorf("expected no reply-to with small seq gap, got %q", sender.replyTos[0])
	}
}

func TestSendReplyToAttachedWhenGapLargeEnough(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newTestPipeline(sender)

	p.Send(context.Background(), Input{
		SessionKey: "qq:g1", GroupID: "g1", Text: "hi",
		QuoteTarget: &QuoteTarget{MessageID: "123", Seq: 1},
		CurrentSeq:  5,
	})
	if sender.replyTos[0] != "123" {
		t.Errorf("expected reply-to attached, got %q", sender.replyTos[0])
	}
}

func TestSendReplyToForcedRegardlessOfGap(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newTestPipeline(sender)

	p.Send(context.Background(), Input{
		SessionKey: "qq:g1", GroupID: "g1", Text: "hi",
		QuoteTarget:         &QuoteTarget{MessageID: "123", Seq: 10},
		CurrentSeq:          11,
		ForceQuoteNextFlush: true,
	})
	if sender.replyTos[0] != "123" {
		t.Errorf("expected forced reply-to, got %q", sender.replyTos[0])
	}
}

func TestSendReplyToOmittedWhenMessageIDZero(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newTestPipeline(sender)

	p.Send(context.Background(), Input{
		SessionKey:          "qq:g1",
		GroupID:             "g1",
		Text:                "hi",
		QuoteTarget:         &QuoteTarget{MessageID: "0", Seq: 1},
		CurrentSeq:          10,
		ForceQuoteNextFlush: true,
	})
	if sender.replyTos[0] != "" {
		t.Errorf("expected no reply-to for zero message id, got %q", sender.replyTos[0])
	}
}

func TestSendFailureAbortsRemainingSegments(t *testing.T) {
	sender := &fakeSender{failOn: 2}
	p, _ := newTestPipeline(sender)

	res := p.Send(context.Background(), Input{
		SessionKey: "qq:g1", GroupID: "g1", Text: "a<brk>b<brk>c",
	})
	if res.Cancelled {
		t.Error("send failure should not be reported as cancellation")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly 1 segment sent before failure, got %v", sender.sent)
	}
}
