package schedulerserver

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	_ "modernc.org/sqlite"

	"go.uber.org/zap/zaptest"

	"github.com/kpipeline/kpipeline/scheduler/internal/db"
	"github.com/kpipeline/kpipeline/scheduler/internal/metrics"
	"github.com/kpipeline/kpipeline/scheduler/internal/store"
	"github.com/kpipeline/kpipeline/shared/wire"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestServer(t *testing.T, cfg Config) (*Server, store.Store) {
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
	st := store.New(database)

	// New() declares each RPC queue through rpc.NewServer, which needs a
	// live connection, so these handler-level tests build the Server
	// struct directly with a nil *bus.Connection and never call Run or
	// enqueue.
	s := &Server{st: st, log: zaptest.NewLogger(t), cfg: cfg}
	return s, st
}

func TestHandleGetSystemConfigUsesStaticFallback(t *testing.T) {
	want := wire.SystemConfig{DeploymentName: "static"}
	s, _ := newTestServer(t, Config{SystemConfig: want})

	got, err := s.handleGetSystemConfig(context.Background(), wire.GetSystemConfigRequest{})
	if err != nil {
		t.Fatalf("handleGetSystemConfig: %v", err)
	}
	if got.DeploymentName != want.DeploymentName {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestHandleGetSystemConfigPrefersConfigSource(t *testing.T) {
	s, _ := newTestServer(t, Config{
		SystemConfig: wire.SystemConfig{DeploymentName: "static"},
		ConfigSource: func() wire.SystemConfig { return wire.SystemConfig{DeploymentName: "live"} },
	})

	got, err := s.handleGetSystemConfig(context.Background(), wire.GetSystemConfigRequest{})
	if err != nil {
		t.Fatalf("handleGetSystemConfig: %v", err)
	}
	if got.DeploymentName != "live" {
		t.Fatalf("got %q, want live (ConfigSource should win over the static field)", got.DeploymentName)
	}
}

func TestHandleFocusJobClaimsPendingJob(t *testing.T) {
	s, st := newTestServer(t, Config{})
	ctx := context.Background()

	id, err := st.NewJob(ctx, wire.NewJobRequest{JobWorkers: []wire.NewJobStage{{WorkerType: "A"}}})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	resp, err := s.handleFocusJob(ctx, wire.FocusJobRequest{JobID: id, Hostname: "host-1"})
	if err != nil {
		t.Fatalf("handleFocusJob: %v", err)
	}
	if resp.Outcome != wire.FocusOutcomeFocused {
		t.Fatalf("outcome = %q, want focused", resp.Outcome)
	}
	if resp.Context.Digest.JobID != id {
		t.Fatalf("returned context is for the wrong job")
	}
}

func TestHandleFocusJobRejectsAlreadyClaimed(t *testing.T) {
	s, st := newTestServer(t, Config{})
	ctx := context.Background()

	id, err := st.NewJob(ctx, wire.NewJobRequest{JobWorkers: []wire.NewJobStage{{WorkerType: "A"}}})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if _, err := s.handleFocusJob(ctx, wire.FocusJobRequest{JobID: id, Hostname: "host-1"}); err != nil {
		t.Fatalf("first focus: %v", err)
	}

	resp, err := s.handleFocusJob(ctx, wire.FocusJobRequest{JobID: id, Hostname: "host-2"})
	if err != nil {
		t.Fatalf("second focus: %v", err)
	}
	if resp.Outcome == wire.FocusOutcomeFocused {
		t.Fatalf("second claimant should not have been focused")
	}
}

func TestHandleFocusJobRecordsMetrics(t *testing.T) {
	met := metrics.New(prometheus.NewRegistry())
	s, st := newTestServer(t, Config{Metrics: met})
	ctx := context.Background()

	id, err := st.NewJob(ctx, wire.NewJobRequest{JobWorkers: []wire.NewJobStage{{WorkerType: "A"}}})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if _, err := s.handleFocusJob(ctx, wire.FocusJobRequest{JobID: id, Hostname: "host-1"}); err != nil {
		t.Fatalf("handleFocusJob: %v", err)
	}

	m := &dto.Metric{}
	if err := met.ClaimOutcomesTotal.WithLabelValues(string(wire.FocusOutcomeFocused)).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("focused claim count = %v, want 1", got)
	}
}
