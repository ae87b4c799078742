package harness

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kpipeline/kpipeline/shared/wire"
)

type fakeStorage struct {
	uploaded map[string]string
}

func newFakeStorage() *fakeStorage { return &fakeStorage{uploaded: map[string]string{}} }

func (f *fakeStorage) Download(ctx context.Context, key, localPath string) error { return nil }
func (f *fakeStorage) Upload(ctx context.Context, localPath, key string) error {
	f.uploaded[key] = localPath
	return nil
}
func (f *fakeStorage) Delete(ctx context.Context, key string) error          { return nil }
func (f *fakeStorage) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }
func (f *fakeStorage) URLFor(ctx context.Context, key string) (string, error) {
	return "file://" + key, nil
}

type fakeLogs struct {
	records []wire.LogRecord
}

func (f *fakeLogs) PublishJobLog(ctx context.Context, rec wire.LogRecord) error {
	f.records = append(f.records, rec)
	return nil
}

type okTask struct{}

func (okTask) OnTask(ctx context.Context, h *Harness) (json.RawMessage, error) {
	if h.ScratchDir == "" {
		return nil, errors.New("scratch dir not set before OnTask")
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func TestRunOkTask(t *testing.T) {
	base := t.TempDir()
	h := New(nil, wire.JobID(1), 0, "A", "host-1", nil, newFakeStorage(), &fakeLogs{})

	out := Run(context.Background(), okTask{}, h, base, func() string { return "" })
	if out.Kind != OutcomeOk {
		t.Fatalf("kind = %v, want Ok", out.Kind)
	}
	if string(out.Result) != `{"ok":true}` {
		t.Fatalf("result = %s", out.Result)
	}
	if h.ScratchDir == "" {
		t.Fatal("scratch dir was never set")
	}
	if _, err := os.Stat(h.ScratchDir); !os.IsNotExist(err) {
		t.Fatalf("scratch dir %s should have been removed", h.ScratchDir)
	}
}

type jobFailureTask struct{}

func (jobFailureTask) OnTask(ctx context.Context, h *Harness) (json.RawMessage, error) {
	return nil, &JobFailureError{Code: "kbuilder.CheckoutFailed", Content: json.RawMessage(`{"reason":"404"}`)}
}

func TestRunJobFailure(t *testing.T) {
	h := New(nil, wire.JobID(2), 0, "A", "host-1", nil, newFakeStorage(), &fakeLogs{})
	out := Run(context.Background(), jobFailureTask{}, h, t.TempDir(), func() string { return "" })
	if out.Kind != OutcomeJobFailure {
		t.Fatalf("kind = %v, want JobFailure", out.Kind)
	}
	if out.Code != "kbuilder.CheckoutFailed" {
		t.Fatalf("code = %q", out.Code)
	}
}

type cancelAwareTask struct{ started chan struct{} }

func (c cancelAwareTask) OnTask(ctx context.Context, h *Harness) (json.RawMessage, error) {
	close(c.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunAbortedByOperator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := cancelAwareTask{started: make(chan struct{})}
	h := New(nil, wire.JobID(3), 0, "A", "host-1", nil, newFakeStorage(), &fakeLogs{})

	done := make(chan Outcome, 1)
	go func() {
		done <- Run(ctx, task, h, t.TempDir(), func() string { return ReasonAborted })
	}()
	<-task.started
	cancel()
	out := <-done
	if out.Kind != OutcomeAbortedByOperator {
		t.Fatalf("kind = %v, want AbortedByOperator", out.Kind)
	}
}

// TestRunJobFailureTakesPriorityOverCancelledContext covers the race where
// the runtime cancels ctx (operator abort or shutdown) in the same instant
// OnTask is returning its own *JobFailureError. The job failure must win —
// otherwise the job's real failure code/content is discarded and the job
// is misreported as merely aborted or yielded.
func TestRunJobFailureTakesPriorityOverCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // simulate cancelCurrent having already fired before OnTask returns

	h := New(nil, wire.JobID(9), 0, "A", "host-1", nil, newFakeStorage(), &fakeLogs{})
	out := Run(ctx, jobFailureTask{}, h, t.TempDir(), func() string { return ReasonAborted })
	if out.Kind != OutcomeJobFailure {
		t.Fatalf("kind = %v, want JobFailure (a genuine job failure must not be discarded for a concurrently cancelled ctx)", out.Kind)
	}
	if out.Code != "kbuilder.CheckoutFailed" {
		t.Fatalf("code = %q", out.Code)
	}
}

func TestRunYieldedForShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := cancelAwareTask{started: make(chan struct{})}
	h := New(nil, wire.JobID(4), 0, "A", "host-1", nil, newFakeStorage(), &fakeLogs{})

	done := make(chan Outcome, 1)
	go func() {
		done <- Run(ctx, task, h, t.TempDir(), func() string { return ReasonYielded })
	}()
	<-task.started
	cancel()
	out := <-done
	if out.Kind != OutcomeYieldedForShutdown {
		t.Fatalf("kind = %v, want YieldedForShutdown", out.Kind)
	}
}

type panicyErrTask struct{}

func (panicyErrTask) OnTask(ctx context.Context, h *Harness) (json.RawMessage, error) {
	return nil, errors.New("boom")
}

func TestRunUnexpectedFailure(t *testing.T) {
	h := New(nil, wire.JobID(5), 0, "A", "host-1", nil, newFakeStorage(), &fakeLogs{})
	out := Run(context.Background(), panicyErrTask{}, h, t.TempDir(), func() string { return "" })
	if out.Kind != OutcomeUnexpectedFailure {
		t.Fatalf("kind = %v, want UnexpectedFailure", out.Kind)
	}
	if out.Backtrace != "boom" {
		t.Fatalf("backtrace = %q", out.Backtrace)
	}
}

type cleanupTask struct{ cleaned *bool }

func (c cleanupTask) OnTask(ctx context.Context, h *Harness) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (c cleanupTask) OnClean(ctx context.Context) { *c.cleaned = true }

func TestRunAlwaysCallsOnClean(t *testing.T) {
	cleaned := false
	h := New(nil, wire.JobID(6), 0, "A", "host-1", nil, newFakeStorage(), &fakeLogs{})
	Run(context.Background(), cleanupTask{cleaned: &cleaned}, h, t.TempDir(), func() string { return "" })
	if !cleaned {
		t.Fatal("OnClean was not called")
	}
}

func TestSubmitResourceSkipsZeroByteFiles(t *testing.T) {
	st := newFakeStorage()
	h := New(nil, wire.JobID(7), 2, "B", "host-1", nil, st, &fakeLogs{})
	empty := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := h.SubmitResource(context.Background(), "empty.txt", empty)
	if err != nil {
		t.Fatalf("SubmitResource: %v", err)
	}
	if res != nil {
		t.Fatalf("res = %+v, want nil for zero-byte file", res)
	}
}

func TestSubmitResourceUsesDeterministicKey(t *testing.T) {
	st := newFakeStorage()
	h := New(nil, wire.JobID(8), 2, "B", "host-1", nil, st, &fakeLogs{})
	path := filepath.Join(t.TempDir(), "out.bin")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := h.SubmitResource(context.Background(), "out.bin", path)
	if err != nil {
		t.Fatalf("SubmitResource: %v", err)
	}
	wantKey := "jobs/00000008/2_B/out.bin"
	if res.Key != wantKey {
		t.Fatalf("key = %q, want %q", res.Key, wantKey)
	}
	if _, ok := st.uploaded[wantKey]; !ok {
		t.Fatalf("upload not recorded for key %q", wantKey)
	}
}
