package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	_ "modernc.org/sqlite"

	"go.uber.org/zap/zaptest"

	"github.com/kpipeline/kpipeline/scheduler/internal/db"
	"github.com/kpipeline/kpipeline/scheduler/internal/store"
)

func newTestRouter(t *testing.T) http.Handler {
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
	return NewRouter(RouterConfig{
		Store:          st,
		Logger:         zaptest.NewLogger(t),
		SystemInfo:     SystemInfo{DeploymentName: "test"},
		AllowedOrigins: []string{"*"},
	})
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewJobThenGetByID(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/newJob", `{"jobWorkers":[{"workerType":"A"}],"tags":{"env":"test"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("NewJob status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}

	rec = doJSON(t, h, http.MethodGet, "/jobs/"+created.Data.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GetByID status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGetByIDUnknownReturns404(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/jobs/deadbeef", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetByIDRejectsMalformedID(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/jobs/not-hex!!", "")
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 404 (route regex rejects) or 400", rec.Code)
	}
}

func TestNewJobRejectsEmptyStages(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodPost, "/newJob", `{"jobWorkers":[],"tags":{}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAbortUnknownJobReturns404(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodPost, "/jobs/deadbeef/abort", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAbortPendingJobSucceeds(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodPost, "/newJob", `{"jobWorkers":[{"workerType":"A"}],"tags":{}}`)
	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, h, http.MethodPost, "/jobs/"+created.Data.ID+"/abort", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("abort status = %d", rec.Code)
	}
}

func TestRestartNonTerminalJobRejected(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodPost, "/newJob", `{"jobWorkers":[{"workerType":"A"}],"tags":{}}`)
	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, h, http.MethodPost, "/jobs/"+created.Data.ID+"/restart", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("restart status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSetAndGetTag(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodPost, "/newJob", `{"jobWorkers":[{"workerType":"A"}],"tags":{}}`)
	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, h, http.MethodPost, "/jobs/"+created.Data.ID+"/tags/owner?tagValue=alice", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("set tag status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/jobs/"+created.Data.ID+"/tags/owner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get tag status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "alice") {
		t.Fatalf("get tag body = %s, want to contain alice", rec.Body.String())
	}
}

func TestSearchRequiresTagKey(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/search", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListJobsEmpty(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Data struct {
			Page  []any `json:"page"`
			Total int64 `json:"total"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Data.Total != 0 || len(body.Data.Page) != 0 {
		t.Fatalf("expected empty page, got %+v", body.Data)
	}
}

func TestSystemInfo(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/system/info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test") {
		t.Fatalf("body = %s, want deploymentName test", rec.Body.String())
	}
}

func TestSystemDisplayRejectsUnknownName(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/system/displays/bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
