package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	_ "modernc.org/sqlite"

	"github.com/kpipeline/kpipeline/scheduler/internal/db"
	"github.com/kpipeline/kpipeline/shared/wire"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	if err := database.AutoMigrate(&db.JobDigest{}, &db.JobStage{}, &db.JobTag{}, &db.JobLog{}, &db.SystemLog{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	_ = zap.NewNop()
	return New(database)
}

func TestNewJobRejectsEmptyStages(t *testing.T) {
	st := newTestStore(t)
	_, err := st.NewJob(context.Background(), wire.NewJobRequest{})
	if err != ErrEmptyStages {
		t.Fatalf("expected ErrEmptyStages, got %v", err)
	}
}

func TestNewJobAndGetJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, err := st.NewJob(ctx, wire.NewJobRequest{
		JobWorkers: []wire.NewJobStage{{WorkerType: "A"}, {WorkerType: "B"}},
		Tags:       map[string]string{"env": "test"},
	})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	jc, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if jc.Digest.Status != wire.StatusPending {
		t.Fatalf("status = %v, want Pending", jc.Digest.Status)
	}
	if jc.Digest.CurrentWorker != 0 {
		t.Fatalf("currentWorker = %d, want 0", jc.Digest.CurrentWorker)
	}
	if len(jc.Stages) != 2 || jc.Stages[0].WorkerType != "A" || jc.Stages[1].WorkerType != "B" {
		t.Fatalf("stages = %+v", jc.Stages)
	}
	if jc.Tags["env"] != "test" {
		t.Fatalf("tags = %+v", jc.Tags)
	}
}

func TestFocusJobAtMostOnceClaim(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, err := st.NewJob(ctx, wire.NewJobRequest{JobWorkers: []wire.NewJobStage{{WorkerType: "A"}}})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	r1, err := st.FocusJob(ctx, id, "host-1")
	if err != nil {
		t.Fatalf("FocusJob 1: %v", err)
	}
	if r1.Outcome != wire.FocusOutcomeFocused {
		t.Fatalf("first claim outcome = %v, want Focused", r1.Outcome)
	}

	r2, err := st.FocusJob(ctx, id, "host-2")
	if err != nil {
		t.Fatalf("FocusJob 2: %v", err)
	}
	if r2.Outcome != wire.FocusOutcomeRejected {
		t.Fatalf("second claim outcome = %v, want Rejected", r2.Outcome)
	}

	jc, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if jc.Digest.CurrentWorkerHostname != "host-1" {
		t.Fatalf("hostname = %q, want host-1", jc.Digest.CurrentWorkerHostname)
	}
}

func TestUpdateJobCleanAdvancesToWaiting(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, err := st.NewJob(ctx, wire.NewJobRequest{JobWorkers: []wire.NewJobStage{{WorkerType: "A"}, {WorkerType: "B"}}})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if _, err := st.FocusJob(ctx, id, "host-1"); err != nil {
		t.Fatalf("FocusJob: %v", err)
	}

	dispatch, err := st.UpdateJob(ctx, wire.UpdateJobRequest{Deliverable: wire.Deliverable{
		Hostname:   "host-1",
		WorkerType: "A",
		StageIndex: 0,
		JobID:      id,
		Result:     []byte(`{"ok":true}`),
	}})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if dispatch == nil || dispatch.NextWorkerType != "B" {
		t.Fatalf("dispatch = %+v, want next worker B", dispatch)
	}

	jc, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if jc.Digest.Status != wire.StatusWaiting {
		t.Fatalf("status = %v, want Waiting", jc.Digest.Status)
	}
	if jc.Digest.CurrentWorker != 1 {
		t.Fatalf("currentWorker = %d, want 1", jc.Digest.CurrentWorker)
	}
}

func TestUpdateJobCleanFinishesLastStage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, err := st.NewJob(ctx, wire.NewJobRequest{JobWorkers: []wire.NewJobStage{{WorkerType: "A"}}})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if _, err := st.FocusJob(ctx, id, "host-1"); err != nil {
		t.Fatalf("FocusJob: %v", err)
	}

	dispatch, err := st.UpdateJob(ctx, wire.UpdateJobRequest{Deliverable: wire.Deliverable{
		Hostname: "host-1", WorkerType: "A", StageIndex: 0, JobID: id, Result: []byte(`{}`),
	}})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if dispatch != nil {
		t.Fatalf("dispatch = %+v, want nil", dispatch)
	}

	jc, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if jc.Digest.Status != wire.StatusFinished {
		t.Fatalf("status = %v, want Finished", jc.Digest.Status)
	}
}

func TestUpdateJobYieldedDoesNotPersistResult(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, err := st.NewJob(ctx, wire.NewJobRequest{JobWorkers: []wire.NewJobStage{{WorkerType: "A"}}})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if _, err := st.FocusJob(ctx, id, "host-1"); err != nil {
		t.Fatalf("FocusJob: %v", err)
	}

	_, err = st.UpdateJob(ctx, wire.UpdateJobRequest{Deliverable: wire.Deliverable{
		Hostname: "host-1", WorkerType: "A", StageIndex: 0, JobID: id,
		WorkerException: &wire.WorkerException{Code: wire.WorkerExceptionYielded},
	}})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	jc, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if jc.Digest.Status != wire.StatusWaiting {
		t.Fatalf("status = %v, want Waiting", jc.Digest.Status)
	}
	if jc.Digest.CurrentWorkerHostname != "" {
		t.Fatalf("hostname = %q, want empty", jc.Digest.CurrentWorkerHostname)
	}
	if jc.Stages[0].WorkerResult != nil {
		t.Fatalf("stage result = %s, want nil (yielded must not persist)", jc.Stages[0].WorkerResult)
	}
}

func TestRestartRejectsNonTerminalJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, err := st.NewJob(ctx, wire.NewJobRequest{JobWorkers: []wire.NewJobStage{{WorkerType: "A"}}})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := st.RestartJob(ctx, id, -1); err != ErrInvalidTransition {
		t.Fatalf("RestartJob on pending job: err = %v, want ErrInvalidTransition", err)
	}
}

func TestRestartFromLastStage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, err := st.NewJob(ctx, wire.NewJobRequest{JobWorkers: []wire.NewJobStage{{WorkerType: "A"}, {WorkerType: "B"}, {WorkerType: "C"}}})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if ok, err := st.AbortJob(ctx, id); err != nil || !ok {
		t.Fatalf("AbortJob: ok=%v err=%v", ok, err)
	}

	if err := st.RestartJob(ctx, id, -1); err != nil {
		t.Fatalf("RestartJob: %v", err)
	}

	jc, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if jc.Digest.Status != wire.StatusPending {
		t.Fatalf("status = %v, want Pending", jc.Digest.Status)
	}
	if jc.Digest.CurrentWorker != 2 {
		t.Fatalf("currentWorker = %d, want 2 (last stage)", jc.Digest.CurrentWorker)
	}
}

func TestSweepCrashedAbortsNonTerminalJobs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, err := st.NewJob(ctx, wire.NewJobRequest{JobWorkers: []wire.NewJobStage{{WorkerType: "A"}}})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	n, err := st.SweepCrashed(ctx)
	if err != nil {
		t.Fatalf("SweepCrashed: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}

	jc, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if jc.Digest.Status != wire.StatusAborted {
		t.Fatalf("status = %v, want Aborted", jc.Digest.Status)
	}
}
