package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kpipeline/kpipeline/scheduler/internal/store"
	"github.com/kpipeline/kpipeline/shared/wire"
)

// Dispatcher enqueues a job's current stage onto its worker-type queue —
// implemented by *schedulerserver.Server, consumed here so NewJob and
// Restart (which bypass update_job) still dispatch the job's current
// stage. When the value also has an AbortJob method, Abort uses it so a
// claimed job's worker is signalled as well.
type Dispatcher interface {
	Dispatch(ctx context.Context, id wire.JobID, workerType string) error
}

// JobHandler groups the job-related HTTP handlers of §6. Jobs are
// otherwise created, claimed, and advanced entirely by the scheduler
// server over the message bus — this facade is read/write for
// operator-driven actions (new job, abort, restart, tags) plus the
// read paths (list, get, logs).
type JobHandler struct {
	st       store.Store
	dispatch Dispatcher
	log      *zap.Logger
}

// NewJobHandler builds a JobHandler. dispatch may be nil in tests that
// don't exercise the NewJob dispatch side-effect.
func NewJobHandler(st store.Store, dispatch Dispatcher, log *zap.Logger) *JobHandler {
	return &JobHandler{st: st, dispatch: dispatch, log: log.Named("job_handler")}
}

// List handles GET /jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := listOpts(r)
	result, err := h.st.ListJobs(r.Context(), opts)
	if err != nil {
		h.log.Error("list jobs failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, digestPage(result, opts))
}

// GetByID handles GET /jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	ctxView, err := h.st.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.log.Error("get job failed", zap.Stringer("jobId", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, ctxView)
}

// NewJob handles POST /newJob.
func (h *JobHandler) NewJob(w http.ResponseWriter, r *http.Request) {
	var req wire.NewJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.st.NewJob(r.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrEmptyStages) {
			ErrUnprocessable(w, err.Error())
			return
		}
		h.log.Error("new job failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.dispatchFirstStage(r, id, req); err != nil {
		h.log.Error("failed to dispatch first stage of new job", zap.Stringer("jobId", id), zap.Error(err))
	}

	Created(w, map[string]wire.JobID{"id": id})
}

func (h *JobHandler) dispatchFirstStage(r *http.Request, id wire.JobID, req wire.NewJobRequest) error {
	if h.dispatch == nil || len(req.JobWorkers) == 0 {
		return nil
	}
	return h.dispatch.Dispatch(r.Context(), id, req.JobWorkers[0].WorkerType)
}

// Abort handles POST /jobs/{id}/abort.
func (h *JobHandler) Abort(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	if _, err := h.st.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.log.Error("abort lookup failed", zap.Stringer("jobId", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	abort := h.st.AbortJob
	if a, ok := h.dispatch.(interface {
		AbortJob(context.Context, wire.JobID) (bool, error)
	}); ok {
		abort = a.AbortJob
	}
	if _, err := abort(r.Context(), id); err != nil {
		h.log.Error("abort job failed", zap.Stringer("jobId", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Restart handles POST /jobs/{id}/restart?restartFrom=-1..
func (h *JobHandler) Restart(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	fromStage := -1
	if v := r.URL.Query().Get("restartFrom"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			ErrBadRequest(w, "invalid restartFrom: must be an integer")
			return
		}
		fromStage = n
	}

	if err := h.st.RestartJob(r.Context(), id, fromStage); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			ErrNotFound(w)
		case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrStageOutOfRange):
			ErrBadRequest(w, err.Error())
		default:
			h.log.Error("restart job failed", zap.Stringer("jobId", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	if h.dispatch != nil {
		if jc, err := h.st.GetJob(r.Context(), id); err != nil {
			h.log.Error("failed to load restarted job for dispatch", zap.Stringer("jobId", id), zap.Error(err))
		} else if stage, ok := jc.CurrentStage(); ok {
			if err := h.dispatch.Dispatch(r.Context(), id, stage.WorkerType); err != nil {
				h.log.Error("failed to dispatch restarted job", zap.Stringer("jobId", id), zap.Error(err))
			}
		}
	}
	NoContent(w)
}

// GetLog handles GET /jobs/{id}/log.
func (h *JobHandler) GetLog(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	opts := listOpts(r)
	result, err := h.st.GetJobLogs(r.Context(), id, opts)
	if err != nil {
		h.log.Error("get job log failed", zap.Stringer("jobId", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, logPage(result, opts))
}

// ListTags handles GET /jobs/{id}/tags.
func (h *JobHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	tags, err := h.st.ListTags(r.Context(), id)
	if err != nil {
		h.log.Error("list tags failed", zap.Stringer("jobId", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, tags)
}

// GetTag handles GET /jobs/{id}/tags/{key}.
func (h *JobHandler) GetTag(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	value, found, err := h.st.GetTag(r.Context(), id, key)
	if err != nil {
		h.log.Error("get tag failed", zap.Stringer("jobId", id), zap.String("key", key), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !found {
		ErrNotFound(w)
		return
	}
	Ok(w, wire.JobTag{Key: key, Value: value})
}

// SetTag handles POST /jobs/{id}/tags/{key}?tagValue=...
func (h *JobHandler) SetTag(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	value := r.URL.Query().Get("tagValue")
	if err := h.st.SetTag(r.Context(), id, key, value); err != nil {
		h.log.Error("set tag failed", zap.Stringer("jobId", id), zap.String("key", key), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// AllTags handles GET /tags.
func (h *JobHandler) AllTags(w http.ResponseWriter, r *http.Request) {
	keys, err := h.st.AllTagKeys(r.Context())
	if err != nil {
		h.log.Error("list all tag keys failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, keys)
}

// Search handles GET /search?tagKey&tagValue&skip&pageSize.
func (h *JobHandler) Search(w http.ResponseWriter, r *http.Request) {
	tagKey := r.URL.Query().Get("tagKey")
	if tagKey == "" {
		ErrBadRequest(w, "tagKey is required")
		return
	}
	tagValue := r.URL.Query().Get("tagValue")
	opts := listOpts(r)

	result, err := h.st.Search(r.Context(), tagKey, tagValue, opts)
	if err != nil {
		h.log.Error("search failed", zap.String("tagKey", tagKey), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, digestPage(result, opts))
}
