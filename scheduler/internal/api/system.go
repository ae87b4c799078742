package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kpipeline/kpipeline/scheduler/internal/store"
	"github.com/kpipeline/kpipeline/shared/wire"
)

// SystemInfo is the payload returned by GET /system/info.
type SystemInfo struct {
	DeploymentName string `json:"deploymentName"`
	Version        string `json:"version"`
}

// SystemHandler groups the operator-facing system endpoints of §6: the
// deployment info blurb and the two log displays.
type SystemHandler struct {
	st   store.Store
	info SystemInfo
	log  *zap.Logger
}

// NewSystemHandler builds a SystemHandler.
func NewSystemHandler(st store.Store, info SystemInfo, log *zap.Logger) *SystemHandler {
	return &SystemHandler{st: st, info: info, log: log.Named("system_handler")}
}

// Info handles GET /system/info.
func (h *SystemHandler) Info(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.info)
}

// Display handles GET /system/displays/{display}?skip&pageSize where
// display is "systemLog" or "jobLog".
func (h *SystemHandler) Display(w http.ResponseWriter, r *http.Request) {
	display := chi.URLParam(r, "display")
	opts := listOpts(r)

	var result store.Page[wire.LogRecord]
	var err error
	switch display {
	case "systemLog":
		result, err = h.st.GetSystemLogs(r.Context(), opts)
	case "jobLog":
		result, err = h.st.GetAllJobLogs(r.Context(), opts)
	default:
		ErrBadRequest(w, "display must be systemLog or jobLog")
		return
	}
	if err != nil {
		h.log.Error("get system display failed", zap.String("display", display), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, logPage(result, opts))
}
