package sendpipeline

import "testing"

func TestPlanUtteranceShortTextIsSingleSegment(t *testing.T) {
	plan := PlanUtterance("hello there", Persona{}, false, zeroRNG{}, 400, 500, 0)
	if len(plan.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d: %+v", len(plan.Segments), plan.Segments)
	}
}

func TestPlanUtteranceLowVerbosityMediumLengthIsSingle(t *testing.T) {
	text := make([]rune, 70)
	for i := range text {
		text[i] = 'a'
	}
	plan := PlanUtterance(string(text), Persona{Verbosity: 0.2}, false, zeroRNG{}, 400, 500, 0)
	if len(plan.Segments) != 1 {
		t.Fatalf("expected 1 segment for low verbosity medium length, got %d", len(plan.Segments))
	}
}

func TestPlanUtteranceAtReplyExtendsSingleThreshold(t *testing.T) {
	text := make([]rune, 100)
	for i := range text {
		text[i] = 'a'
	}
	plan := PlanUtterance(string(text), Persona{Verbosity: 0.5, MultiUtterancePreference: 0.5}, true, zeroRNG{}, 400, 500, 0)
	if len(plan.Segments) != 1 {
		t.Fatalf("expected isAtReply to extend single-segment threshold, got %d segments", len(plan.Segments))
	}
}

func TestPlanUtteranceLongHighVerbositySplits(t *testing.T) {
	text := "这是第一句话。这是第二句话！这是第三句话？这是第四句补充说明的内容，写得比较长一些。"
	plan := PlanUtterance(text, Persona{Verbosity: 0.9, MultiUtterancePreference: 0.9}, false, zeroRNG{}, 400, 500, 0)
	if len(plan.Segments) < 2 {
		t.Fatalf("expected multiple segments for long high-verbosity text, got %d", len(plan.Segments))
	}
	if len(plan.Segments) > 4 {
		t.Fatalf("expected at most 4 segments, got %d", len(plan.Segments))
	}
}

func TestPlanUtteranceFirstSegmentHasZeroDelay(t *testing.T) {
	text := "这是第一句话。这是第二句话！这是第三句话？这是第四句补充说明的内容，写得比较长一些。"
	plan := PlanUtterance(text, Persona{Verbosity: 0.9, MultiUtterancePreference: 0.9}, false, zeroRNG{}, 400, 500, 0)
	if plan.Segments[0].DelayMs != 0 {
		t.Errorf("expected first segment delay = 0, got %d", plan.Segments[0].DelayMs)
	}
}

func TestPlanUtteranceNonLastSegmentsStripTrailingPunctuation(t *testing.T) {
	text := "这是第一句话。这是第二句话！这是第三句话？这是第四句补充说明的内容，写得比较长一些。"
	plan := PlanUtterance(text, Persona{Verbosity: 0.9, MultiUtterancePreference: 0.9}, false, zeroRNG{}, 400, 500, 0)
	for i, seg := range plan.Segments {
		if i == len(plan.Segments)-1 {
			continue
		}
		last := []rune(seg.Text)
		if len(last) == 0 {
			continue
		}
		r := last[len(last)-1]
		for _, p := range sentencePunctuation {
			if r == p {
				t.Errorf("non-last segment %d retained trailing punctuation: %q", i, seg.Text)
			}
		}
	}
}

func TestStripTrailingSentencePunctuation(t *testing.T) {
	if got := stripTrailingSentencePunctuation("hello!"); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
	if got := stripTrailingSentencePunctuation("hello"); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}
