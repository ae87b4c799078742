// Package store implements the persistence backend (§4.3): the embedded
// relational store holding job digests, per-stage blobs, tags, and the
// two log tables, plus the conditional-update claim/delivery arbitration
// described in §5's "Ordering guarantees". Grounded on the teacher's
// repositories package, generalized from UUID-keyed backup rows to
// wire.JobID-keyed job rows.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kpipeline/kpipeline/scheduler/internal/db"
	"github.com/kpipeline/kpipeline/shared/wire"
)

// onConflictUpdateValue upserts a JobTag on its (job_id, key) primary
// key, overwriting value — SetTag is "put", not "insert-only".
var onConflictUpdateValue = clause.OnConflict{
	Columns:   []clause.Column{{Name: "job_id"}, {Name: "key"}},
	DoUpdates: clause.AssignmentColumns([]string{"value"}),
}

// ListOptions paginates a query; PageSize is capped by the caller (REST
// surface enforces page size <= 500 per §6).
type ListOptions struct {
	Skip     int
	PageSize int
	SortBy   string // "modifiedTime" or "createdTime"
}

// Page is the generic paginated response shape of §6.
type Page[T any] struct {
	Items          []T
	OffsetNextPage int
	Total          int64
}

// FocusResult is the return of FocusJob.
type FocusResult struct {
	Outcome wire.FocusOutcome
	Context *wire.JobContext
}

// Dispatch is returned by UpdateJob when a clean completion advances the
// job to a further stage the caller must now enqueue.
type Dispatch struct {
	JobID          wire.JobID
	NextWorkerType string
}

// Store is the persistence backend's operation set, as enumerated in
// §4.3.
type Store interface {
	NewJob(ctx context.Context, req wire.NewJobRequest) (wire.JobID, error)
	GetJob(ctx context.Context, id wire.JobID) (*wire.JobContext, error)
	FocusJob(ctx context.Context, id wire.JobID, hostname string) (FocusResult, error)
	UpdateJob(ctx context.Context, req wire.UpdateJobRequest) (*Dispatch, error)
	AbortJob(ctx context.Context, id wire.JobID) (bool, error)
	RestartJob(ctx context.Context, id wire.JobID, fromStage int) error

	InsertSystemLog(ctx context.Context, rec wire.LogRecord) error
	InsertJobLog(ctx context.Context, rec wire.LogRecord) error

	ListJobs(ctx context.Context, opts ListOptions) (Page[wire.JobDigest], error)
	ListTags(ctx context.Context, id wire.JobID) ([]wire.JobTag, error)
	GetTag(ctx context.Context, id wire.JobID, key string) (string, bool, error)
	SetTag(ctx context.Context, id wire.JobID, key, value string) error
	AllTagKeys(ctx context.Context) ([]string, error)
	Search(ctx context.Context, tagKey, tagValue string, opts ListOptions) (Page[wire.JobDigest], error)
	GetJobLogs(ctx context.Context, id wire.JobID, opts ListOptions) (Page[wire.LogRecord], error)
	GetSystemLogs(ctx context.Context, opts ListOptions) (Page[wire.LogRecord], error)
	// GetAllJobLogs backs the system-wide jobLog display (§6), unfiltered
	// by job id — distinct from GetJobLogs, which is scoped to one job.
	GetAllJobLogs(ctx context.Context, opts ListOptions) (Page[wire.LogRecord], error)

	// SweepCrashed moves every digest in Pending/InProgress/Waiting to
	// Aborted with an empty hostname, per §4.3's crash-recovery rule. It
	// returns the number of digests swept.
	SweepCrashed(ctx context.Context) (int64, error)
}

type gormStore struct {
	db *gorm.DB
}

// New returns a Store backed by the provided *gorm.DB.
func New(database *gorm.DB) Store {
	return &gormStore{db: database}
}

func (s *gormStore) NewJob(ctx context.Context, req wire.NewJobRequest) (wire.JobID, error) {
	if len(req.JobWorkers) == 0 {
		return 0, ErrEmptyStages
	}

	var newID wire.JobID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxID uint32
		if err := tx.Model(&db.JobDigest{}).
			Select("COALESCE(MAX(job_id), 0)").
			Scan(&maxID).Error; err != nil {
			return fmt.Errorf("allocate job id: %w", err)
		}
		newID = wire.JobID(maxID + 1)

		now := nowFunc()
		digest := db.JobDigest{
			JobID:        newID,
			CreatedTime:  now,
			ModifiedTime: now,
			Status:       wire.StatusPending,
			CurrentWorker: 0,
		}
		if err := tx.Create(&digest).Error; err != nil {
			return fmt.Errorf("insert digest: %w", err)
		}

		stages := make([]db.JobStage, len(req.JobWorkers))
		for i, w := range req.JobWorkers {
			stages[i] = db.JobStage{
				JobID:          newID,
				StageIndex:     i,
				WorkerType:     w.WorkerType,
				WorkerArgument: w.WorkerArgument,
			}
		}
		if err := tx.Create(&stages).Error; err != nil {
			return fmt.Errorf("insert stages: %w", err)
		}

		if len(req.Tags) > 0 {
			tags := make([]db.JobTag, 0, len(req.Tags))
			for k, v := range req.Tags {
				tags = append(tags, db.JobTag{JobID: newID, Key: k, Value: v})
			}
			if err := tx.Create(&tags).Error; err != nil {
				return fmt.Errorf("insert tags: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newID, nil
}

func (s *gormStore) GetJob(ctx context.Context, id wire.JobID) (*wire.JobContext, error) {
	return s.loadContext(s.db.WithContext(ctx), id)
}

// loadContext assembles a JobContext from the digest, stages and tags
// using tx — callers inside a transaction pass the tx, other callers
// pass s.db.WithContext(ctx).
func (s *gormStore) loadContext(tx *gorm.DB, id wire.JobID) (*wire.JobContext, error) {
	var digest db.JobDigest
	if err := tx.First(&digest, "job_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get digest: %w", err)
	}

	var stageRows []db.JobStage
	if err := tx.Where("job_id = ?", id).Order("stage_index ASC").Find(&stageRows).Error; err != nil {
		return nil, fmt.Errorf("get stages: %w", err)
	}

	var tagRows []db.JobTag
	if err := tx.Where("job_id = ?", id).Find(&tagRows).Error; err != nil {
		return nil, fmt.Errorf("get tags: %w", err)
	}

	stages := make([]wire.JobStage, len(stageRows))
	for i, r := range stageRows {
		stages[i] = wire.JobStage{
			WorkerType:     r.WorkerType,
			WorkerArgument: r.WorkerArgument,
			WorkerResult:   r.WorkerResult,
		}
	}
	tags := make(map[string]string, len(tagRows))
	for _, t := range tagRows {
		tags[t.Key] = t.Value
	}

	return &wire.JobContext{
		Digest: wire.JobDigest{
			JobID:                 digest.JobID,
			CreatedTime:           digest.CreatedTime,
			ModifiedTime:          digest.ModifiedTime,
			Status:                digest.Status,
			CurrentWorkerHostname: digest.CurrentWorkerHostname,
			CurrentWorker:         digest.CurrentWorker,
		},
		Stages: stages,
		Tags:   tags,
	}, nil
}

// FocusJob is the claim arbitration of §5: accepts iff the digest is
// currently in {Pending, Waiting}, the hostname is empty, and the
// stored modifiedTime is strictly older than the update's timestamp.
func (s *gormStore) FocusJob(ctx context.Context, id wire.JobID, hostname string) (FocusResult, error) {
	var result FocusResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := nowFunc()
		res := tx.Model(&db.JobDigest{}).
			Where("job_id = ? AND status IN ? AND current_worker_hostname = ? AND modified_time < ?",
				id, []wire.Status{wire.StatusPending, wire.StatusWaiting}, "", now).
			Updates(map[string]any{
				"status":                  wire.StatusInProgress,
				"current_worker_hostname": hostname,
				"modified_time":           now,
			})
		if res.Error != nil {
			return fmt.Errorf("focus_job: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			result.Outcome = wire.FocusOutcomeFocused
		} else {
			result.Outcome = wire.FocusOutcomeRejected
		}

		ctxView, err := s.loadContext(tx, id)
		if err != nil {
			return err
		}
		result.Context = ctxView
		return nil
	})
	if err != nil {
		return FocusResult{}, err
	}
	return result, nil
}

// UpdateJob is the result-delivery arbitration of §4.3/§5: accepts iff
// currently InProgress, owned by the reporting hostname, at the
// reported stage index, with an older modifiedTime.
func (s *gormStore) UpdateJob(ctx context.Context, req wire.UpdateJobRequest) (*Dispatch, error) {
	d := req.Deliverable
	var dispatch *Dispatch

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := nowFunc()
		guard := tx.Model(&db.JobDigest{}).
			Where("job_id = ? AND status = ? AND current_worker_hostname = ? AND current_worker = ? AND modified_time < ?",
				d.JobID, wire.StatusInProgress, d.Hostname, d.StageIndex, now)

		var digest db.JobDigest
		if err := tx.First(&digest, "job_id = ?", d.JobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("update_job: load digest: %w", err)
		}

		switch {
		case d.Yielded():
			res := guard.Updates(map[string]any{
				"status":                  wire.StatusWaiting,
				"current_worker_hostname": "",
				"modified_time":           now,
			})
			if res.Error != nil {
				return fmt.Errorf("update_job: yield: %w", res.Error)
			}
			return nil

		case !d.Clean():
			res := guard.Updates(map[string]any{
				"status":                  wire.StatusAborted,
				"current_worker_hostname": "",
				"modified_time":           now,
			})
			if res.Error != nil {
				return fmt.Errorf("update_job: abort: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				return s.persistStageResult(tx, d)
			}
			return nil

		default:
			var stageCount int64
			if err := tx.Model(&db.JobStage{}).Where("job_id = ?", d.JobID).Count(&stageCount).Error; err != nil {
				return fmt.Errorf("update_job: count stages: %w", err)
			}

			if int64(d.StageIndex+1) < stageCount {
				next := d.StageIndex + 1
				var nextStage db.JobStage
				if err := tx.First(&nextStage, "job_id = ? AND stage_index = ?", d.JobID, next).Error; err != nil {
					return fmt.Errorf("update_job: load next stage: %w", err)
				}
				res := guard.Updates(map[string]any{
					"status":                  wire.StatusWaiting,
					"current_worker_hostname": "",
					"current_worker":          next,
					"modified_time":           now,
				})
				if res.Error != nil {
					return fmt.Errorf("update_job: advance: %w", res.Error)
				}
				if res.RowsAffected == 1 {
					if err := s.persistStageResult(tx, d); err != nil {
						return err
					}
					dispatch = &Dispatch{JobID: d.JobID, NextWorkerType: nextStage.WorkerType}
				}
				return nil
			}

			res := guard.Updates(map[string]any{
				"status":                  wire.StatusFinished,
				"current_worker_hostname": "",
				"modified_time":           now,
			})
			if res.Error != nil {
				return fmt.Errorf("update_job: finish: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				return s.persistStageResult(tx, d)
			}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return dispatch, nil
}

func (s *gormStore) persistStageResult(tx *gorm.DB, d wire.Deliverable) error {
	if d.Result == nil {
		return nil
	}
	res := tx.Model(&db.JobStage{}).
		Where("job_id = ? AND stage_index = ?", d.JobID, d.StageIndex).
		Update("worker_result", json.RawMessage(d.Result))
	if res.Error != nil {
		return fmt.Errorf("persist stage result: %w", res.Error)
	}
	return nil
}

// AbortJob moves Pending|Waiting -> Aborted when the job has no current
// claimant. Returns false when the row has a claimant (or is already
// terminal) — the caller falls back to a remote abort RPC.
func (s *gormStore) AbortJob(ctx context.Context, id wire.JobID) (bool, error) {
	now := nowFunc()
	res := s.db.WithContext(ctx).Model(&db.JobDigest{}).
		Where("job_id = ? AND status IN ? AND current_worker_hostname = ?",
			id, []wire.Status{wire.StatusPending, wire.StatusWaiting}, "").
		Updates(map[string]any{
			"status":        wire.StatusAborted,
			"modified_time": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("abort_job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RestartJob moves Aborted|Finished -> Pending, resetting currentWorker
// to fromStage (fromStage=-1 means "the last stage").
func (s *gormStore) RestartJob(ctx context.Context, id wire.JobID, fromStage int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var digest db.JobDigest
		if err := tx.First(&digest, "job_id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("restart_job: load digest: %w", err)
		}
		if !digest.Status.Terminal() {
			return ErrInvalidTransition
		}

		var stageCount int64
		if err := tx.Model(&db.JobStage{}).Where("job_id = ?", id).Count(&stageCount).Error; err != nil {
			return fmt.Errorf("restart_job: count stages: %w", err)
		}

		resolved := fromStage
		if resolved == -1 {
			resolved = int(stageCount) - 1
		}
		if resolved < 0 || int64(resolved) >= stageCount {
			return ErrStageOutOfRange
		}

		res := tx.Model(&db.JobDigest{}).
			Where("job_id = ? AND status IN ?", id, []wire.Status{wire.StatusAborted, wire.StatusFinished}).
			Updates(map[string]any{
				"status":                  wire.StatusPending,
				"current_worker":          resolved,
				"current_worker_hostname": "",
				"modified_time":           nowFunc(),
			})
		if res.Error != nil {
			return fmt.Errorf("restart_job: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		return nil
	})
}

func (s *gormStore) InsertSystemLog(ctx context.Context, rec wire.LogRecord) error {
	row := db.SystemLog{
		TimeStamp:      rec.TimeStamp,
		WorkerType:     rec.WorkerType,
		WorkerHostname: rec.WorkerHostname,
		Content:        rec.Content,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert_system_log: %w", err)
	}
	return nil
}

func (s *gormStore) InsertJobLog(ctx context.Context, rec wire.LogRecord) error {
	if rec.JobID == nil {
		return fmt.Errorf("insert_job_log: jobId is required")
	}
	row := db.JobLog{
		JobID:          *rec.JobID,
		TimeStamp:      rec.TimeStamp,
		WorkerType:     rec.WorkerType,
		WorkerHostname: rec.WorkerHostname,
		Content:        rec.Content,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert_job_log: %w", err)
	}
	return nil
}

func (s *gormStore) ListJobs(ctx context.Context, opts ListOptions) (Page[wire.JobDigest], error) {
	col := sortColumn(opts.SortBy)

	var total int64
	if err := s.db.WithContext(ctx).Model(&db.JobDigest{}).Count(&total).Error; err != nil {
		return Page[wire.JobDigest]{}, fmt.Errorf("list_jobs: count: %w", err)
	}

	var rows []db.JobDigest
	if err := s.db.WithContext(ctx).
		Order(col + " DESC").
		Offset(opts.Skip).
		Limit(opts.PageSize).
		Find(&rows).Error; err != nil {
		return Page[wire.JobDigest]{}, fmt.Errorf("list_jobs: %w", err)
	}

	return toDigestPage(rows, opts, total), nil
}

func (s *gormStore) ListTags(ctx context.Context, id wire.JobID) ([]wire.JobTag, error) {
	var rows []db.JobTag
	if err := s.db.WithContext(ctx).Where("job_id = ?", id).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list_tags: %w", err)
	}
	out := make([]wire.JobTag, len(rows))
	for i, r := range rows {
		out[i] = wire.JobTag{Key: r.Key, Value: r.Value}
	}
	return out, nil
}

func (s *gormStore) GetTag(ctx context.Context, id wire.JobID, key string) (string, bool, error) {
	var row db.JobTag
	err := s.db.WithContext(ctx).First(&row, "job_id = ? AND key = ?", id, key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get_tag: %w", err)
	}
	return row.Value, true, nil
}

func (s *gormStore) SetTag(ctx context.Context, id wire.JobID, key, value string) error {
	row := db.JobTag{JobID: id, Key: key, Value: value}
	err := s.db.WithContext(ctx).
		Clauses(onConflictUpdateValue).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("set_tag: %w", err)
	}
	return nil
}

func (s *gormStore) AllTagKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&db.JobTag{}).Distinct().Pluck("key", &keys).Error; err != nil {
		return nil, fmt.Errorf("all_tag_keys: %w", err)
	}
	return keys, nil
}

func (s *gormStore) Search(ctx context.Context, tagKey, tagValue string, opts ListOptions) (Page[wire.JobDigest], error) {
	col := sortColumn(opts.SortBy)

	base := s.db.WithContext(ctx).Model(&db.JobDigest{}).
		Joins("JOIN job_tags ON job_tags.job_id = job_digests.job_id").
		Where("job_tags.key = ?", tagKey)
	if tagValue != "" {
		base = base.Where("job_tags.value = ?", tagValue)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return Page[wire.JobDigest]{}, fmt.Errorf("search: count: %w", err)
	}

	var rows []db.JobDigest
	if err := base.Session(&gorm.Session{}).
		Order("job_digests." + col + " DESC").
		Offset(opts.Skip).
		Limit(opts.PageSize).
		Find(&rows).Error; err != nil {
		return Page[wire.JobDigest]{}, fmt.Errorf("search: %w", err)
	}

	return toDigestPage(rows, opts, total), nil
}

func (s *gormStore) GetJobLogs(ctx context.Context, id wire.JobID, opts ListOptions) (Page[wire.LogRecord], error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&db.JobLog{}).Where("job_id = ?", id).Count(&total).Error; err != nil {
		return Page[wire.LogRecord]{}, fmt.Errorf("get_job_logs: count: %w", err)
	}
	var rows []db.JobLog
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", id).
		Order("time_stamp DESC").
		Offset(opts.Skip).
		Limit(opts.PageSize).
		Find(&rows).Error; err != nil {
		return Page[wire.LogRecord]{}, fmt.Errorf("get_job_logs: %w", err)
	}
	items := make([]wire.LogRecord, len(rows))
	for i, r := range rows {
		jid := r.JobID
		items[i] = wire.LogRecord{
			TimeStamp:      r.TimeStamp,
			JobID:          &jid,
			WorkerType:     r.WorkerType,
			WorkerHostname: r.WorkerHostname,
			Content:        r.Content,
		}
	}
	return Page[wire.LogRecord]{Items: items, OffsetNextPage: nextOffset(opts, total), Total: total}, nil
}

func (s *gormStore) GetAllJobLogs(ctx context.Context, opts ListOptions) (Page[wire.LogRecord], error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&db.JobLog{}).Count(&total).Error; err != nil {
		return Page[wire.LogRecord]{}, fmt.Errorf("get_all_job_logs: count: %w", err)
	}
	var rows []db.JobLog
	if err := s.db.WithContext(ctx).
		Order("time_stamp DESC").
		Offset(opts.Skip).
		Limit(opts.PageSize).
		Find(&rows).Error; err != nil {
		return Page[wire.LogRecord]{}, fmt.Errorf("get_all_job_logs: %w", err)
	}
	items := make([]wire.LogRecord, len(rows))
	for i, r := range rows {
		jid := r.JobID
		items[i] = wire.LogRecord{
			TimeStamp:      r.TimeStamp,
			JobID:          &jid,
			WorkerType:     r.WorkerType,
			WorkerHostname: r.WorkerHostname,
			Content:        r.Content,
		}
	}
	return Page[wire.LogRecord]{Items: items, OffsetNextPage: nextOffset(opts, total), Total: total}, nil
}

func (s *gormStore) GetSystemLogs(ctx context.Context, opts ListOptions) (Page[wire.LogRecord], error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&db.SystemLog{}).Count(&total).Error; err != nil {
		return Page[wire.LogRecord]{}, fmt.Errorf("get_system_logs: count: %w", err)
	}
	var rows []db.SystemLog
	if err := s.db.WithContext(ctx).
		Order("time_stamp DESC").
		Offset(opts.Skip).
		Limit(opts.PageSize).
		Find(&rows).Error; err != nil {
		return Page[wire.LogRecord]{}, fmt.Errorf("get_system_logs: %w", err)
	}
	items := make([]wire.LogRecord, len(rows))
	for i, r := range rows {
		items[i] = wire.LogRecord{
			TimeStamp:      r.TimeStamp,
			WorkerType:     r.WorkerType,
			WorkerHostname: r.WorkerHostname,
			Content:        r.Content,
		}
	}
	return Page[wire.LogRecord]{Items: items, OffsetNextPage: nextOffset(opts, total), Total: total}, nil
}

func (s *gormStore) SweepCrashed(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&db.JobDigest{}).
		Where("status IN ?", []wire.Status{wire.StatusPending, wire.StatusInProgress, wire.StatusWaiting}).
		Updates(map[string]any{
			"status":                  wire.StatusAborted,
			"current_worker_hostname": "",
			"modified_time":           nowFunc(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep_crashed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func toDigestPage(rows []db.JobDigest, opts ListOptions, total int64) Page[wire.JobDigest] {
	items := make([]wire.JobDigest, len(rows))
	for i, r := range rows {
		items[i] = wire.JobDigest{
			JobID:                 r.JobID,
			CreatedTime:           r.CreatedTime,
			ModifiedTime:          r.ModifiedTime,
			Status:                r.Status,
			CurrentWorkerHostname: r.CurrentWorkerHostname,
			CurrentWorker:         r.CurrentWorker,
		}
	}
	return Page[wire.JobDigest]{Items: items, OffsetNextPage: nextOffset(opts, total), Total: total}
}

func nextOffset(opts ListOptions, total int64) int {
	next := opts.Skip + opts.PageSize
	if int64(next) >= total {
		return int(total)
	}
	return next
}

func sortColumn(sortBy string) string {
	if sortBy == "createdTime" {
		return "created_time"
	}
	return "modified_time"
}

// nowFunc is a seam so tests can freeze time; production code always
// uses the wall clock.
var nowFunc = func() time.Time { return time.Now().UTC() }
