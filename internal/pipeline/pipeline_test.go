package pipeline

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/transcription"
)

// copyStage copies its input to a sibling file with the given suffix.
type copyStage struct {
	name   string
	suffix string
	calls  atomic.Int32
}

func (s *copyStage) Name() string { return s.name }

func (s *copyStage) Run(ctx context.Context, input string) (string, error) {
	s.calls.Add(1)
	data, err := os.ReadFile(input)
	if err != nil {
		return "", err
	}
	out := strings.TrimSuffix(input, filepath.Ext(input)) + s.suffix
	return out, os.WriteFile(out, data, 0o644)
}

type failStage struct{}

func (failStage) Name() string { return "denoise" }

func (failStage) Run(ctx context.Context, input string) (string, error) {
	return "", errors.New("exit status 1")
}

// blockStage waits until released or cancelled.
type blockStage struct {
	started chan struct{}
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func newBlockStage() *blockStage {
	return &blockStage{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (s *blockStage) Name() string { return "block" }

func (s *blockStage) Run(ctx context.Context, input string) (string, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	s.started <- struct{}{}
	select {
	case <-s.release:
		return input, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fakeTranscriber struct {
	mu       sync.Mutex
	requests []*transcription.Request
	done     chan struct{}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req *transcription.Request) (*transcription.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	defer close(f.done)
	return &transcription.Response{Text: "bonjour"}, nil
}

func newTestDispatcher(t *testing.T, stages []Stage, tr transcription.Transcriber, maxConcurrent int) (*Dispatcher, *StatusStore, string) {
	t.Helper()
	dir := t.TempDir()
	status, err := NewStatusStore(100, nil)
	if err != nil {
		t.Fatalf("NewStatusStore failed: %v", err)
	}
	d, err := NewDispatcher(Config{WorkDir: dir, MaxConcurrent: maxConcurrent, KeepIntermediate: true}, stages, tr, status, nil, nil)
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	t.Cleanup(func() { d.Close(context.Background()) })
	return d, status, dir
}

func receive(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for result")
		return Result{}
	}
}

func TestDispatchRunsStagesInOrder(t *testing.T) {
	denoise := &copyStage{name: "denoise", suffix: "-cleaned.wav"}
	compress := &copyStage{name: "compress", suffix: ".mp3"}
	tr := &fakeTranscriber{done: make(chan struct{})}
	d, status, dir := newTestDispatcher(t, []Stage{denoise, compress}, tr, 2)

	wav := []byte("RIFF....WAVE")
	res := receive(t, d.Dispatch(context.Background(), Job{SessionID: "s1", SegmentIndex: 0, WAV: wav}))

	if res.Err != nil {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	expectedInput := filepath.Join(dir, "s1", "segment-0000.wav")
	if res.Input != expectedInput {
		t.Errorf("Expected input %s, got %s", expectedInput, res.Input)
	}
	expectedArtifact := filepath.Join(dir, "s1", "segment-0000-cleaned.mp3")
	if res.Artifact != expectedArtifact {
		t.Errorf("Expected artifact %s, got %s", expectedArtifact, res.Artifact)
	}
	if denoise.calls.Load() != 1 || compress.calls.Load() != 1 {
		t.Errorf("Expected each stage once, got %d and %d", denoise.calls.Load(), compress.calls.Load())
	}

	select {
	case <-tr.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for transcription")
	}
	d.Close(context.Background())

	st, ok := status.Get("s1", 0)
	if !ok {
		t.Fatal("Expected status for segment")
	}
	if st.State != StateDone || st.Artifact != expectedArtifact || st.Transcript != "bonjour" {
		t.Errorf("Unexpected status: %+v", st)
	}
	if len(tr.requests) != 1 || tr.requests[0].Format != "mp3" || string(tr.requests[0].Audio) != string(wav) {
		t.Errorf("Unexpected transcription request: %+v", tr.requests)
	}
}

func TestDispatchStageFailureAbortsChain(t *testing.T) {
	compress := &copyStage{name: "compress", suffix: ".mp3"}
	tr := &fakeTranscriber{done: make(chan struct{})}
	d, status, _ := newTestDispatcher(t, []Stage{failStage{}, compress}, tr, 1)

	res := receive(t, d.Dispatch(context.Background(), Job{SessionID: "s1", SegmentIndex: 1, WAV: []byte("x")}))

	var stageErr *StageError
	if !errors.As(res.Err, &stageErr) {
		t.Fatalf("Expected StageError, got %v", res.Err)
	}
	if stageErr.Stage != "denoise" {
		t.Errorf("Expected failing stage denoise, got %s", stageErr.Stage)
	}
	if compress.calls.Load() != 0 {
		t.Error("Expected later stages skipped after failure")
	}
	if len(tr.requests) != 0 {
		t.Error("Expected no transcription after failure")
	}

	st, _ := status.Get("s1", 1)
	if st.State != StateFailed || !strings.Contains(st.Error, "denoise") {
		t.Errorf("Unexpected status: %+v", st)
	}
	if d.GetStats().Failed != 1 {
		t.Errorf("Expected 1 failed job, got %d", d.GetStats().Failed)
	}
}

func TestDispatchBoundedConcurrency(t *testing.T) {
	block := newBlockStage()
	d, _, _ := newTestDispatcher(t, []Stage{block}, nil, 2)

	var results []<-chan Result
	for i := 0; i < 5; i++ {
		results = append(results, d.Dispatch(context.Background(), Job{SessionID: "s1", SegmentIndex: i, WAV: []byte("x")}))
	}

	for i := 0; i < 2; i++ {
		<-block.started
	}
	select {
	case <-block.started:
		t.Fatal("Expected a third job to wait for a worker slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(block.release)
	for _, ch := range results {
		if res := receive(t, ch); res.Err != nil {
			t.Errorf("Unexpected error: %v", res.Err)
		}
	}
	if peak := block.peak.Load(); peak > 2 {
		t.Errorf("Expected at most 2 concurrent stages, got %d", peak)
	}
}

func TestDispatchCancellation(t *testing.T) {
	block := newBlockStage()
	d, status, _ := newTestDispatcher(t, []Stage{block}, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	ch := d.Dispatch(ctx, Job{SessionID: "s1", SegmentIndex: 0, WAV: []byte("x")})
	<-block.started
	cancel()

	res := receive(t, ch)
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", res.Err)
	}
	if st, _ := status.Get("s1", 0); st.State != StateFailed {
		t.Errorf("Expected failed state, got %s", st.State)
	}
	if d.GetStats().Cancelled != 1 {
		t.Errorf("Expected 1 cancelled job, got %d", d.GetStats().Cancelled)
	}
}

func TestDispatchAfterClose(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil, nil, 1)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	res := receive(t, d.Dispatch(context.Background(), Job{SessionID: "s1"}))
	if !errors.Is(res.Err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", res.Err)
	}
}

func TestDispatchRemovesIntermediates(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDispatcher(Config{WorkDir: dir, MaxConcurrent: 1}, []Stage{
		&copyStage{name: "denoise", suffix: "-cleaned.wav"},
		&copyStage{name: "compress", suffix: ".mp3"},
	}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	defer d.Close(context.Background())

	res := receive(t, d.Dispatch(context.Background(), Job{SessionID: "s1", WAV: []byte("x")}))
	if res.Err != nil {
		t.Fatalf("Unexpected error: %v", res.Err)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "s1"))
	if len(entries) != 1 || entries[0].Name() != "segment-0000-cleaned.mp3" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("Expected only the final artifact, got %v", names)
	}
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"session-1700000000000": "session-1700000000000",
		"../../etc/passwd":      ".._.._etc_passwd",
		"..":                    "_",
		"":                      "_",
		"a b/c":                 "a_b_c",
	}
	for input, expected := range tests {
		if got := SafeName(input); got != expected {
			t.Errorf("SafeName(%q): expected %q, got %q", input, expected, got)
		}
	}
}

func TestFFmpegStageArguments(t *testing.T) {
	opts := FFmpegOptions{Binary: "ffmpeg", CompressBitrate: "96k"}
	denoise := NewDenoiseStage(opts)
	compress := NewCompressStage(opts)

	in := "/work/s1/segment-0000.wav"
	cleaned := denoise.output(in)
	if cleaned != "/work/s1/segment-0000-cleaned.wav" {
		t.Errorf("Unexpected denoise output %s", cleaned)
	}
	args := strings.Join(denoise.args(in, cleaned), " ")
	if !strings.Contains(args, "-y") || !strings.Contains(args, "-i "+in) || !strings.Contains(args, "-af afftdn "+cleaned) {
		t.Errorf("Unexpected denoise args: %s", args)
	}

	mp3 := compress.output(cleaned)
	if mp3 != "/work/s1/segment-0000.mp3" {
		t.Errorf("Unexpected compress output %s", mp3)
	}
	args = strings.Join(compress.args(cleaned, mp3), " ")
	if !strings.Contains(args, "-codec:a libmp3lame -b:a 96k "+mp3) {
		t.Errorf("Unexpected compress args: %s", args)
	}
}

func TestCommandStageRunsProcess(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	input := filepath.Join(dir, "in.wav")
	os.WriteFile(input, []byte("pcm"), 0o644)

	stage := NewCommandStage("copy", sh,
		func(in, out string) []string { return []string{"-c", `cp "$0" "$1"`, in, out} },
		func(in string) string { return in + ".out" },
		time.Minute,
	)
	out, err := stage.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if data, _ := os.ReadFile(out); string(data) != "pcm" {
		t.Errorf("Expected copied data, got %q", data)
	}

	failing := NewCommandStage("broken", sh,
		func(in, out string) []string { return []string{"-c", "echo boom >&2; exit 3"} },
		func(in string) string { return in + ".out" },
		0,
	)
	_, err = failing.Run(context.Background(), input)
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("Expected StageError, got %v", err)
	}
	if stageErr.Stage != "broken" || !strings.Contains(stageErr.Stderr, "boom") {
		t.Errorf("Unexpected stage error: %+v", stageErr)
	}
}

func TestStatusStoreForSession(t *testing.T) {
	store, err := NewStatusStore(2, nil)
	if err != nil {
		t.Fatalf("NewStatusStore failed: %v", err)
	}
	store.SetState(Key{"s1", 1}, StateAssembling)
	store.SetState(Key{"s1", 0}, StateDone)
	store.SetState(Key{"s2", 0}, StateEmpty)

	// Capacity 2 evicts the oldest entry.
	if _, ok := store.Get("s1", 1); ok {
		t.Error("Expected oldest status evicted")
	}
	got := store.ForSession("s1")
	if len(got) != 1 || got[0].SegmentIndex != 0 || got[0].State != StateDone {
		t.Errorf("Unexpected session statuses: %+v", got)
	}
	if !StateEmpty.Terminal() || StateProcessing.Terminal() {
		t.Error("Unexpected terminal state classification")
	}
}
