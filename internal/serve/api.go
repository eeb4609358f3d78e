// Package serve exposes the request-facing HTTP surface of a serving
// instance: cache diagnostics, snapshot info and the authenticated admin
// refresh hook.
package serve

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/driftline/snapgate/internal/cache"
	"github.com/driftline/snapgate/internal/platform/auth"
	"github.com/driftline/snapgate/internal/snapshot"
	"github.com/driftline/snapgate/internal/sqlitecheck"
)

type API struct {
	logger      *slog.Logger
	cache       *cache.Manager
	adminSecret string
	inspect     func(path string) (sqlitecheck.Info, error)
	now         func() time.Time
}

func NewAPI(logger *slog.Logger, mgr *cache.Manager, adminSecret string) (*API, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if mgr == nil {
		return nil, errors.New("cache manager is required")
	}
	return &API{
		logger:      logger,
		cache:       mgr,
		adminSecret: adminSecret,
		inspect:     sqlitecheck.Inspect,
		now:         time.Now,
	}, nil
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /snapshot/info", a.handleSnapshotInfo)
	mux.HandleFunc("POST /admin/refresh", a.handleAdminRefresh)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.cache.Status())
}

func (a *API) handleSnapshotInfo(w http.ResponseWriter, r *http.Request) {
	path, err := a.cache.Acquire(r.Context())
	if err != nil {
		a.writeAcquireError(w, r, err)
		return
	}
	info, err := a.inspect(path)
	if err != nil {
		a.logger.Error("snapshot inspect failed", "path", path, "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "inspect_failed")
		return
	}
	st := a.cache.Status()
	a.writeJSON(w, http.StatusOK, map[string]any{
		"version":         st.CurrentVersion,
		"local_path":      st.LocalPath,
		"last_refresh_at": st.LastRefreshAt,
		"tables":          info.Tables,
		"page_size":       info.PageSize,
		"page_count":      info.PageCount,
	})
}

func (a *API) handleAdminRefresh(w http.ResponseWriter, r *http.Request) {
	if a.adminSecret == "" {
		a.writeError(w, r, http.StatusForbidden, "admin_disabled")
		return
	}
	if err := auth.VerifyRequest(a.adminSecret, r, a.now(), auth.DefaultMaxSkew); err != nil {
		a.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	a.cache.ForceCheck()
	path, err := a.cache.Acquire(r.Context())
	if err != nil {
		a.writeAcquireError(w, r, err)
		return
	}
	st := a.cache.Status()
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "refreshed",
		"version":    st.CurrentVersion,
		"local_path": path,
	})
}

// writeAcquireError maps the acquire error taxonomy onto HTTP statuses. When
// no ready entry exists at all the instance degrades to an explicit error
// response rather than guessing.
func (a *API) writeAcquireError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, snapshot.ErrVersionNotFound):
		a.writeError(w, r, http.StatusNotFound, "version_not_found")
	case errors.Is(err, snapshot.ErrCorruptSnapshot):
		a.writeError(w, r, http.StatusBadGateway, "corrupt_snapshot")
	case errors.Is(err, snapshot.ErrFetchFailed):
		a.writeError(w, r, http.StatusBadGateway, "fetch_failed")
	case errors.Is(err, snapshot.ErrStoreUnavailable):
		a.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable")
	default:
		a.logger.Error("acquire failed", "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	a.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
