package answerwatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/chatwatch/browser"
	"github.com/hazyhaar/chatwatch/chatdom"
)

// fakeSession scripts the instrumentation channel. evalFn sees the full
// script source, so tests can key responses on its content.
type fakeSession struct {
	mu     sync.Mutex
	evalFn func(fn string) (string, error)
	evals  []string
}

func (f *fakeSession) Eval(ctx context.Context, fn string) (string, error) {
	f.mu.Lock()
	f.evals = append(f.evals, fn)
	evalFn := f.evalFn
	f.mu.Unlock()
	if evalFn == nil {
		return "{}", nil
	}
	return evalFn(fn)
}

func (f *fakeSession) SetFiles(ctx context.Context, selector string, index int, paths ...string) error {
	return nil
}

func (f *fakeSession) Mutations(ctx context.Context) (<-chan browser.MutationBurst, func(), error) {
	ch := make(chan browser.MutationBurst)
	return ch, func() {}, nil
}

func (f *fakeSession) Terminate(ctx context.Context) error { return nil }

func (f *fakeSession) lastEval() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.evals) == 0 {
		return ""
	}
	return f.evals[len(f.evals)-1]
}

func newTestExtractor(t *testing.T, sess *fakeSession) *Extractor {
	t.Helper()
	prof := chatdom.DefaultProfile()
	ex, err := NewExtractor(sess, &prof, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ex
}

func TestExtractor_ParsesSnapshot(t *testing.T) {
	sess := &fakeSession{evalFn: func(string) (string, error) {
		return `{"found":true,"text":"Hello there","html":"<p>Hello there</p>","turnId":"t9","messageId":"m1","turnIndex":4,"fallback":false,"turnCount":5}`, nil
	}}
	ex := newTestExtractor(t, sess)

	got, err := ex.Extract(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("nil snapshot")
	}
	if got.Text != "Hello there" || got.HTML != "<p>Hello there</p>" {
		t.Fatalf("snapshot body: got %+v", got)
	}
	if got.TurnID != "t9" || got.MessageID != "m1" || got.TurnIndex != 4 || got.Fallback {
		t.Fatalf("snapshot metadata: got %+v", got)
	}
}

func TestExtractor_ScriptCarriesProfileAndMinTurn(t *testing.T) {
	sess := &fakeSession{evalFn: func(string) (string, error) {
		return `{"found":false,"turnCount":0}`, nil
	}}
	ex := newTestExtractor(t, sess)

	if _, err := ex.Extract(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	script := sess.lastEval()
	if !strings.Contains(script, `"turnSelector"`) {
		t.Fatal("script missing marshalled profile")
	}
	if !strings.Contains(script, "const MIN = 7") {
		t.Fatal("script missing minimum turn index")
	}
}

func TestExtractor_NotFoundIsNil(t *testing.T) {
	sess := &fakeSession{evalFn: func(string) (string, error) {
		return `{"found":false,"turnCount":3}`, nil
	}}
	ex := newTestExtractor(t, sess)

	got, err := ex.Extract(context.Background(), 0)
	if err != nil || got != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", got, err)
	}
}

func TestExtractor_StaleTurnFiltered(t *testing.T) {
	sess := &fakeSession{evalFn: func(string) (string, error) {
		return `{"found":true,"text":"Old answer","turnIndex":2,"turnCount":3}`, nil
	}}
	ex := newTestExtractor(t, sess)

	got, err := ex.Extract(context.Background(), 3)
	if err != nil || got != nil {
		t.Fatalf("stale turn leaked: got (%v, %v)", got, err)
	}
}

func TestExtractor_MismatchOnGarbage(t *testing.T) {
	sess := &fakeSession{evalFn: func(string) (string, error) {
		return "oops not json", nil
	}}
	ex := newTestExtractor(t, sess)

	_, err := ex.Extract(context.Background(), 0)
	var mismatch *chatdom.ExtractionMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want ExtractionMismatch", err)
	}
}

func TestExtractor_InstrumentationErrorOnEvalFailure(t *testing.T) {
	boom := errors.New("websocket closed")
	sess := &fakeSession{evalFn: func(string) (string, error) {
		return "", boom
	}}
	ex := newTestExtractor(t, sess)

	_, err := ex.Extract(context.Background(), 0)
	var instr *chatdom.InstrumentationError
	if !errors.As(err, &instr) {
		t.Fatalf("got %v, want InstrumentationError", err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("cause not wrapped")
	}
}

func TestExtractor_TurnCount(t *testing.T) {
	sess := &fakeSession{evalFn: func(fn string) (string, error) {
		return `{"count":6}`, nil
	}}
	ex := newTestExtractor(t, sess)

	n, err := ex.TurnCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Fatalf("count: got %d, want 6", n)
	}
}

func TestExtractor_Affordances(t *testing.T) {
	sess := &fakeSession{evalFn: func(string) (string, error) {
		return `{"generating":true,"finished":false}`, nil
	}}
	ex := newTestExtractor(t, sess)

	aff, err := ex.Affordances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !aff.Generating || aff.Finished {
		t.Fatalf("affordances: got %+v", aff)
	}
}

func TestExtractor_DismissStuckStop(t *testing.T) {
	sess := &fakeSession{evalFn: func(string) (string, error) {
		return `{"clicked":2}`, nil
	}}
	ex := newTestExtractor(t, sess)

	if err := ex.DismissStuckStop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sess.lastEval(), "stopSelector") {
		t.Fatal("dismiss script missing stop selector")
	}
}
