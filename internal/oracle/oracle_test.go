package oracle

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ppiankov/factorcanon/internal/cache"
	"github.com/ppiankov/factorcanon/internal/labels"
	"github.com/ppiankov/factorcanon/internal/llm"
)

// scriptedProvider returns a fixed reply, or blocks until the context ends
type scriptedProvider struct {
	reply string
	err   error
	block bool
	calls atomic.Int32
	last  llm.CompletionRequest
}

func (p *scriptedProvider) Name() string { return "mock" }
func (p *scriptedProvider) IsAvailable(ctx context.Context) bool { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.calls.Add(1)
	p.last = req
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Text: p.reply, Model: "mock-1"}, nil
}

func raw(ss ...string) []labels.RawLabel {
	out := make([]labels.RawLabel, len(ss))
	for i, s := range ss {
		out[i] = labels.RawLabel{Key: labels.Key(s), Display: labels.Display(s)}
	}
	return out
}

func groupsOf(out map[string]Assignment) map[string]string {
	m := make(map[string]string, len(out))
	for k, a := range out {
		m[k] = a.Group
	}
	return m
}

func TestClassify_ReplyForms(t *testing.T) {
	req := Request{
		Labels: raw("Park", "traffic noise", "dim lighting"),
		Groups: []GroupHint{{Name: "GreenSpace", Examples: []string{"green area"}}, {Name: "Noise"}},
	}
	want := map[string]string{"park": "GreenSpace", "traffic noise": "Noise", "dim lighting": "Lighting"}

	tests := []struct {
		name  string
		reply string
	}{
		{
			name:  "bare json with group refs",
			reply: `[{"label":"Park","group":"Group 1"},{"label":"traffic noise","group":"Group 2"},{"label":"dim lighting","group":"NEW: Lighting"}]`,
		},
		{
			name: "markers and names",
			reply: "Sure.\n<<ASSIGN-BEGIN>>\n" +
				`[{"label":"park","group":"greenspace"},{"label":"Traffic  Noise","group":"noise"},{"label":"dim lighting","group":"Lighting"}]` +
				"\n<<ASSIGN-END>>\nDone.",
		},
		{
			name:  "markdown fence",
			reply: "```json\n" + `[{"label":"Park","group":"Group 1"},{"label":"traffic noise","group":"Noise"},{"label":"dim lighting","group":"new: Lighting"}]` + "\n```",
		},
		{
			name:  "wrapped object",
			reply: `{"assignments":[{"label":"Park","group":"Group 1"},{"label":"traffic noise","group":"Group 2"},{"label":"dim lighting","group":"Group 9 Lighting"}]}`,
		},
		{
			name:  "brackets in surrounding prose",
			reply: "Per [1]:\n" + `[{"label":"Park","group":"Group 1"},{"label":"traffic noise","group":"Group 2"},{"label":"dim lighting","group":"NEW: Lighting"}]` + "\nNote: see [2].",
		},
		{
			name:  "spaced name of an existing group",
			reply: `[{"label":"Park","group":"NEW: Green Space"},{"label":"traffic noise","group":"noise"},{"label":"dim lighting","group":"NEW: Lighting"}]`,
		},
		{
			name:  "grouped lines",
			reply: "Group 1 GreenSpace: Park\nGroup 2 Noise: traffic noise\nGroup 3 Lighting: dim lighting",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewLLMOracle(&scriptedProvider{reply: tt.reply}, Options{GroupExamples: 6})
			out, err := o.Classify(context.Background(), req)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if diff := cmp.Diff(want, groupsOf(out)); diff != "" {
				t.Errorf("assignments mismatch (-want +got):\n%s", diff)
			}
			if !out["dim lighting"].New || out["park"].New {
				t.Errorf("New flags wrong: %+v", out)
			}
		})
	}
}

func TestClassify_IgnoresUnrequestedLabels(t *testing.T) {
	p := &scriptedProvider{reply: `[{"label":"crowding","group":"Crowding"},{"label":"sunlight","group":"Lighting"}]`}
	out, err := NewLLMOracle(p, Options{}).Classify(context.Background(), Request{Labels: raw("crowding")})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out["crowding"].Group != "Crowding" {
		t.Errorf("unexpected assignments: %+v", out)
	}
}

func TestClassify_Unparseable(t *testing.T) {
	p := &scriptedProvider{reply: "I cannot help with that."}
	out, err := NewLLMOracle(p, Options{}).Classify(context.Background(), Request{Labels: raw("crowding")})

	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if perr.Partial() || len(out) != 0 {
		t.Errorf("unparseable reply must yield no assignments, got %+v", out)
	}
}

func TestClassify_PartialReply(t *testing.T) {
	p := &scriptedProvider{reply: `[{"label":"GreenSpace","group":"NEW: GreenSpace"},{"label":"Park","group":"Group 5"}]`}
	out, err := NewLLMOracle(p, Options{}).Classify(context.Background(), Request{Labels: raw("GreenSpace", "Park", "traffic noise")})

	var perr *ParseError
	if !errors.As(err, &perr) || !perr.Partial() {
		t.Fatalf("expected partial ParseError, got %v", err)
	}
	// "Group 5" is out of range with no name, so Park is missing too
	if diff := cmp.Diff([]string{"Park", "traffic noise"}, perr.Missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
	if len(out) != 1 || out["greenspace"].Group != "GreenSpace" {
		t.Errorf("expected the parsed assignment to be returned, got %+v", out)
	}
}

func TestClassify_Timeout(t *testing.T) {
	p := &scriptedProvider{block: true}
	o := NewLLMOracle(p, Options{Timeout: 20 * time.Millisecond})

	_, err := o.Classify(context.Background(), Request{Labels: raw("dim lighting")})
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("TimeoutError should match context.DeadlineExceeded")
	}
}

func TestClassify_ParentCancellationIsNotTimeout(t *testing.T) {
	p := &scriptedProvider{block: true}
	o := NewLLMOracle(p, Options{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Classify(ctx, Request{Labels: raw("x")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var terr *TimeoutError
	if errors.As(err, &terr) {
		t.Error("parent cancellation reported as timeout")
	}
}

func TestClassify_ProviderError(t *testing.T) {
	p := &scriptedProvider{err: &llm.StatusError{Code: 500, Message: "boom"}}
	_, err := NewLLMOracle(p, Options{Model: "m"}).Classify(context.Background(), Request{Labels: raw("x")})

	var serr *llm.StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected wrapped StatusError, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "mock/m:") {
		t.Errorf("error should name the source, got %q", err)
	}
}

func TestClassify_EmptyRequestSkipsProvider(t *testing.T) {
	p := &scriptedProvider{}
	out, err := NewLLMOracle(p, Options{}).Classify(context.Background(), Request{})
	if err != nil || len(out) != 0 || p.calls.Load() != 0 {
		t.Errorf("empty request: out=%v err=%v calls=%d", out, err, p.calls.Load())
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt(Request{
		Labels: raw("Park"),
		Groups: []GroupHint{{Name: "GreenSpace", Examples: []string{"a", "b", "c"}}},
	}, 2)

	for _, want := range []string{"Group 1: GreenSpace (e.g. a; b)", "- Park", assignBegin, assignEnd} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "; c") {
		t.Error("examples not truncated")
	}
	if !strings.Contains(buildPrompt(Request{Labels: raw("x")}, 6), "(none yet)") {
		t.Error("empty vocabulary not rendered")
	}
}

func TestCachedOracle(t *testing.T) {
	p := &scriptedProvider{reply: `[{"label":"Park","group":"GreenSpace"}]`}
	c := cache.NewMemoryCache(time.Minute, time.Minute)
	o := NewCachedOracle(NewLLMOracle(p, Options{Model: "m"}), c, 0)

	req := Request{Labels: raw("Park")}
	first, err := o.Classify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Classify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("expected one provider call, got %d", p.calls.Load())
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached reply differs (-first +second):\n%s", diff)
	}

	// A different vocabulary is a different prompt
	req.Groups = []GroupHint{{Name: "GreenSpace"}}
	if _, err := o.Classify(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if p.calls.Load() != 2 {
		t.Errorf("expected cache miss for new vocabulary, calls=%d", p.calls.Load())
	}
}

func TestCachedOracle_PartialNotCached(t *testing.T) {
	p := &scriptedProvider{reply: `[{"label":"Park","group":"GreenSpace"}]`}
	o := NewCachedOracle(NewLLMOracle(p, Options{}), cache.NewMemoryCache(time.Minute, time.Minute), 0)

	req := Request{Labels: raw("Park", "bench")}
	for i := 0; i < 2; i++ {
		if _, err := o.Classify(context.Background(), req); err == nil {
			t.Fatal("expected partial ParseError")
		}
	}
	if p.calls.Load() != 2 {
		t.Errorf("partial replies must not be cached, calls=%d", p.calls.Load())
	}
}
