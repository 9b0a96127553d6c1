package attach

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/chatwatch/browser"
	"github.com/hazyhaar/chatwatch/chatdom"
	"github.com/hazyhaar/chatwatch/clock"
)

// fakeComposer simulates the composer side of one chat tab: a mutable set
// of chips, input files and counters that the probe scripts read back, plus
// hooks the scenarios use to react to injections.
type fakeComposer struct {
	mu         sync.Mutex
	chips      []string
	inputFiles []string
	fileCount  int
	uploading  bool
	targets    []Target

	evalErr    error
	setFiles   []int
	injects    []int
	cleared    []int
	onSetFiles func(f *fakeComposer, index int)
	onInject   func(f *fakeComposer, index int) bool
	onSignals  func(f *fakeComposer)
}

func (f *fakeComposer) Eval(ctx context.Context, fn string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return "", f.evalErr
	}
	switch {
	case strings.Contains(fn, "chipNames"):
		if f.onSignals != nil {
			f.onSignals(f)
		}
		b, _ := json.Marshal(rawSignals{
			ChipNames:  append([]string(nil), f.chips...),
			InputNames: append([]string(nil), f.inputFiles...),
			FileCount:  f.fileCount,
			Uploading:  f.uploading,
		})
		return string(b), nil
	case strings.Contains(fn, "getAttribute('accept')"):
		b, _ := json.Marshal(f.targets)
		return string(b), nil
	case strings.Contains(fn, "new DataTransfer()"):
		idx := scriptIndex(fn)
		f.injects = append(f.injects, idx)
		ok := false
		if f.onInject != nil {
			ok = f.onInject(f, idx)
		}
		if ok {
			return `{"ok":true}`, nil
		}
		return `{"ok":false,"reason":"not wired"}`, nil
	case strings.Contains(fn, "input.value = ''"):
		f.cleared = append(f.cleared, scriptIndex(fn))
		f.inputFiles = nil
		return `{"cleared":true}`, nil
	}
	return "", errors.New("unexpected script: " + fn[:40])
}

func (f *fakeComposer) SetFiles(ctx context.Context, selector string, index int, paths ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setFiles = append(f.setFiles, index)
	if f.onSetFiles != nil {
		f.onSetFiles(f, index)
	}
	return nil
}

func (f *fakeComposer) Mutations(ctx context.Context) (<-chan browser.MutationBurst, func(), error) {
	return nil, nil, errors.New("not implemented")
}

func (f *fakeComposer) Terminate(ctx context.Context) error { return nil }

func (f *fakeComposer) setFilesLog() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.setFiles...)
}

func (f *fakeComposer) clearedLog() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.cleared...)
}

func (f *fakeComposer) injectsLog() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.injects...)
}

// scriptIndex recovers the target index a probe script was rendered with.
func scriptIndex(fn string) int {
	const marker = "const IDX = "
	i := strings.Index(fn, marker)
	if i < 0 {
		return -1
	}
	rest := fn[i+len(marker):]
	j := strings.IndexByte(rest, ';')
	if j < 0 {
		return -1
	}
	n, err := strconv.Atoi(rest[:j])
	if err != nil {
		return -1
	}
	return n
}

func testConfirmConfig() Config {
	return Config{
		PollInterval:   100 * time.Millisecond,
		TargetWindow:   1 * time.Second,
		Budget:         10 * time.Second,
		MaxScriptBytes: 1 << 20,
	}
}

// pumpConfirm advances virtual time in small steps until the confirmation
// goroutine reports, or real time runs out.
func pumpConfirm(t *testing.T, clk *clock.Manual, done <-chan error) error {
	t.Helper()
	guard := time.Now().Add(10 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		default:
		}
		if time.Now().After(guard) {
			t.Fatal("confirm did not finish under the pump")
		}
		clk.Advance(100 * time.Millisecond)
		time.Sleep(200 * time.Microsecond)
	}
}

func runConfirm(c *Confirmer, path string, expected int) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Confirm(context.Background(), path, expected) }()
	return done
}

func TestConfirm_DOMInjectionRegistersChip(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	f := &fakeComposer{targets: []Target{{Index: 0}}}
	f.onSetFiles = func(f *fakeComposer, index int) {
		f.chips = append(f.chips, "report.pdf")
	}
	prof := chatdom.DefaultProfile()
	c := NewConfirmer(f, &prof, testConfirmConfig(), WithClock(clk))

	err := pumpConfirm(t, clk, runConfirm(c, "/uploads/report.pdf", 0))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.setFilesLog(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("SetFiles calls: got %v, want [0]", got)
	}
	if got := f.injectsLog(); len(got) != 0 {
		t.Fatalf("script fallback ran %v times, want none", got)
	}
}

// A text attachment must never be offered to an image-only input: the open
// input is selected directly, with no injection attempt on the first.
func TestConfirm_SkipsImageOnlyInputForText(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	f := &fakeComposer{targets: []Target{
		{Index: 0, Accept: "image/*"},
		{Index: 1},
	}}
	f.onSetFiles = func(f *fakeComposer, index int) {
		if index == 1 {
			f.inputFiles = append(f.inputFiles, "notes.txt")
		}
	}
	prof := chatdom.DefaultProfile()
	c := NewConfirmer(f, &prof, testConfirmConfig(), WithClock(clk))

	err := pumpConfirm(t, clk, runConfirm(c, "/uploads/notes.txt", 0))
	if err != nil {
		t.Fatal(err)
	}
	for _, idx := range f.setFilesLog() {
		if idx == 0 {
			t.Fatal("image-only input received an injection attempt")
		}
	}
}

// The DOM path produces nothing; the script-level DataTransfer fallback on
// the same target registers the file.
func TestConfirm_ScriptFallbackRegisters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	clk := clock.NewManual(time.Unix(1000, 0))
	f := &fakeComposer{targets: []Target{{Index: 0}}}
	f.onInject = func(f *fakeComposer, index int) bool {
		f.chips = append(f.chips, "report.pdf")
		return true
	}
	prof := chatdom.DefaultProfile()
	c := NewConfirmer(f, &prof, testConfirmConfig(), WithClock(clk))

	err := pumpConfirm(t, clk, runConfirm(c, path, 0))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.injectsLog(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("script injections: got %v, want [0]", got)
	}
}

// A chip that already named the file before injection is not proof: with no
// baseline-relative delta the confirmation must time out, clear the target
// it touched and tag the failure.
func TestConfirm_NoDeltaTimesOut(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	f := &fakeComposer{
		targets: []Target{{Index: 0}},
		chips:   []string{"report.pdf"},
	}
	prof := chatdom.DefaultProfile()

	var dumpStages []string
	c := NewConfirmer(f, &prof, testConfirmConfig(), WithClock(clk),
		WithDump(func(ctx context.Context, stage string) { dumpStages = append(dumpStages, stage) }))

	err := pumpConfirm(t, clk, runConfirm(c, "/nowhere/report.pdf", 0))
	var timeout *chatdom.ConvergenceTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("error: got %v, want ConvergenceTimeout", err)
	}
	if timeout.Stage != chatdom.StageAttachment {
		t.Fatalf("stage: got %s, want %s", timeout.Stage, chatdom.StageAttachment)
	}
	if len(f.clearedLog()) == 0 {
		t.Fatal("exhausted target was never cleared")
	}
	if len(dumpStages) != 1 || dumpStages[0] != chatdom.StageAttachment {
		t.Fatalf("dump stages: got %v, want [%s]", dumpStages, chatdom.StageAttachment)
	}
}

// A visible upload indicator keeps the target's window open well past its
// nominal size, so a slow upload completes under the first injection
// instead of forcing a re-inject.
func TestConfirm_UploadingExtendsWindow(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	registerAt := clk.Now().Add(2500 * time.Millisecond)

	f := &fakeComposer{targets: []Target{{Index: 0}}, uploading: true}
	f.onSignals = func(f *fakeComposer) {
		if !clk.Now().Before(registerAt) && len(f.chips) == 0 {
			f.chips = []string{"big-dataset.csv"}
			f.uploading = false
		}
	}
	prof := chatdom.DefaultProfile()
	c := NewConfirmer(f, &prof, testConfirmConfig(), WithClock(clk))

	err := pumpConfirm(t, clk, runConfirm(c, "/uploads/big-dataset.csv", 0))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.setFilesLog(); len(got) != 1 {
		t.Fatalf("SetFiles calls: got %v, want a single injection", got)
	}
}

// When even the baseline cannot be read, the instrumentation fault itself
// comes back, not a not-registered timeout.
func TestConfirm_BaselineFailureSurfaces(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	f := &fakeComposer{evalErr: errors.New("page detached")}
	prof := chatdom.DefaultProfile()
	c := NewConfirmer(f, &prof, testConfirmConfig(), WithClock(clk))

	err := pumpConfirm(t, clk, runConfirm(c, "/uploads/report.pdf", 0))
	var ierr *chatdom.InstrumentationError
	if !errors.As(err, &ierr) {
		t.Fatalf("error: got %v, want InstrumentationError", err)
	}
	if got := f.setFilesLog(); len(got) != 0 {
		t.Fatalf("injection ran without a baseline: %v", got)
	}
}

func TestConfirm_ExpectedCountGate(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	f := &fakeComposer{targets: []Target{{Index: 0}}, fileCount: 1}
	f.onSetFiles = func(f *fakeComposer, index int) {
		f.fileCount = 2
	}
	prof := chatdom.DefaultProfile()
	c := NewConfirmer(f, &prof, testConfirmConfig(), WithClock(clk))

	err := pumpConfirm(t, clk, runConfirm(c, "/uploads/second.txt", 2))
	if err != nil {
		t.Fatal(err)
	}
}
