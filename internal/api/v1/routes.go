// Package v1 provides the REST API handlers for subject bundles.
package v1

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-bundle-server/internal/api/common"
	pkgsync "github.com/stacklok/toolhive-bundle-server/internal/sync"
	"github.com/stacklok/toolhive-bundle-server/internal/sync/coordinator"
)

// Routes holds the dependencies of the v1 handlers
type Routes struct {
	manager     pkgsync.Manager
	coordinator coordinator.Coordinator
}

// NewRoutes creates a new Routes instance
func NewRoutes(manager pkgsync.Manager, coord coordinator.Coordinator) *Routes {
	return &Routes{
		manager:     manager,
		coordinator: coord,
	}
}

// Router creates the router for the v1 API
func Router(manager pkgsync.Manager, coord coordinator.Coordinator) http.Handler {
	routes := NewRoutes(manager, coord)

	r := chi.NewRouter()
	r.Route("/subjects/{subject}", func(r chi.Router) {
		r.Get("/bundle", routes.getBundle)
		r.Post("/sync", routes.syncSubject)
		r.Get("/status", routes.getStatus)
		r.Delete("/cache", routes.clearCache)
	})

	return r
}

// getBundle handles GET /v1/subjects/{subject}/bundle
//
// @Summary		Get cached bundle
// @Description	Returns the last merged bundle of a subject, even when its TTL has elapsed
// @Tags			bundles
// @Produce		json
// @Param			subject	path		string	true	"Subject name"
// @Success		200		{object}	bundle.Bundle
// @Failure		400		{object}	common.ErrorResponse
// @Failure		404		{object}	common.ErrorResponse
// @Router			/v1/subjects/{subject}/bundle [get]
func (rr *Routes) getBundle(w http.ResponseWriter, r *http.Request) {
	subject, err := common.SubjectParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := rr.manager.GetCachedBundle(r.Context(), subject)
	if errors.Is(err, pkgsync.ErrBundleNotFound) {
		common.WriteErrorResponse(w, "No bundle cached for subject "+subject, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to read cached bundle", "subject", subject, "error", err)
		common.WriteErrorResponse(w, "Failed to read cached bundle", http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, b, http.StatusOK)
}

// syncSubject handles POST /v1/subjects/{subject}/sync
//
// @Summary		Sync a subject
// @Description	Runs a sync for the subject and returns its result. Units that could not be refreshed are listed in failedUnits.
// @Tags			bundles
// @Produce		json
// @Param			subject	path		string	true	"Subject name"
// @Param			force	query		bool	false	"Replan even when the cached bundle is valid"
// @Success		200		{object}	sync.Result
// @Failure		400		{object}	common.ErrorResponse
// @Failure		502		{object}	sync.Result
// @Router			/v1/subjects/{subject}/sync [post]
func (rr *Routes) syncSubject(w http.ResponseWriter, r *http.Request) {
	subject, err := common.SubjectParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	force, err := common.BoolQueryParam(r, "force")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := rr.coordinator.SyncNow(r.Context(), subject, force)
	if result == nil {
		msg := "Sync failed"
		if err != nil {
			msg = err.Error()
		}
		common.WriteErrorResponse(w, msg, http.StatusInternalServerError)
		return
	}

	code := http.StatusOK
	if result.Status == pkgsync.StatusFailed {
		code = http.StatusBadGateway
	}
	common.WriteJSONResponse(w, result, code)
}

// getStatus handles GET /v1/subjects/{subject}/status
//
// @Summary		Get sync status
// @Description	Returns the recorded outcome of the last sync of a subject
// @Tags			bundles
// @Produce		json
// @Param			subject	path		string	true	"Subject name"
// @Success		200		{object}	status.SubjectStatus
// @Failure		400		{object}	common.ErrorResponse
// @Failure		404		{object}	common.ErrorResponse
// @Router			/v1/subjects/{subject}/status [get]
func (rr *Routes) getStatus(w http.ResponseWriter, r *http.Request) {
	subject, err := common.SubjectParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	st, err := rr.coordinator.Status(r.Context(), subject)
	if err != nil {
		slog.Error("Failed to load sync status", "subject", subject, "error", err)
		common.WriteErrorResponse(w, "Failed to load sync status", http.StatusInternalServerError)
		return
	}
	if st == nil || st.Phase == "" {
		common.WriteErrorResponse(w, "Subject "+subject+" has never been synced", http.StatusNotFound)
		return
	}

	common.WriteJSONResponse(w, st, http.StatusOK)
}

// clearCache handles DELETE /v1/subjects/{subject}/cache
//
// @Summary		Clear cached data
// @Description	Invalidates the bundle, the model marker and every known unit of a subject
// @Tags			bundles
// @Param			subject	path	string	true	"Subject name"
// @Success		204
// @Failure		400	{object}	common.ErrorResponse
// @Failure		500	{object}	common.ErrorResponse
// @Router			/v1/subjects/{subject}/cache [delete]
func (rr *Routes) clearCache(w http.ResponseWriter, r *http.Request) {
	subject, err := common.SubjectParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := rr.manager.Clear(r.Context(), subject); err != nil {
		slog.Error("Failed to clear cache", "subject", subject, "error", err)
		common.WriteErrorResponse(w, "Failed to clear cache", http.StatusInternalServerError)
		return
	}

	slog.Info("Cache cleared", "subject", subject)
	w.WriteHeader(http.StatusNoContent)
}
