package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kpipeline/kpipeline/scheduler/internal/store"
	"github.com/kpipeline/kpipeline/shared/wire"
)

// maxPageSize is §6's hard cap on GET /jobs and friends.
const maxPageSize = 500

// defaultPageSize is used when the caller omits pageSize.
const defaultPageSize = 20

// parseJobID extracts and parses the {id} path parameter. Writes a 400
// and returns false if it does not match ^[0-9a-f]{8}$.
func parseJobID(w http.ResponseWriter, r *http.Request) (wire.JobID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := wire.ParseJobID(raw)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return 0, false
	}
	return id, true
}

// listOpts reads sortBy, skip, and pageSize query parameters, clamping
// pageSize to maxPageSize per §6.
func listOpts(r *http.Request) store.ListOptions {
	opts := store.ListOptions{PageSize: defaultPageSize, SortBy: r.URL.Query().Get("sortBy")}

	if v := r.URL.Query().Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Skip = n
		}
	}
	if v := r.URL.Query().Get("pageSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.PageSize = n
		}
	}
	if opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}
	return opts
}

func digestPage(p store.Page[wire.JobDigest], opts store.ListOptions) page[wire.JobDigest] {
	return page[wire.JobDigest]{Page: p.Items, PageSize: opts.PageSize, OffsetNextPage: p.OffsetNextPage, Total: p.Total}
}

func logPage(p store.Page[wire.LogRecord], opts store.ListOptions) page[wire.LogRecord] {
	return page[wire.LogRecord]{Page: p.Items, PageSize: opts.PageSize, OffsetNextPage: p.OffsetNextPage, Total: p.Total}
}
