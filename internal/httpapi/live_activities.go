package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dexlive/glucagon/internal/domain"
)

func (a *API) startLiveActivityHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &domain.StartLiveActivityRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := req.Validate(); err != nil {
		a.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := req.ToRecord(time.Now())

	if err := a.store.PutRecord(ctx, rec); err != nil {
		a.logger.Error("failed to persist activity record", zap.Error(err), zap.String("activity", domain.RedactedID(rec.ID)))
		a.errorResponse(w, http.StatusInternalServerError, "failed to start live activity")
		return
	}

	if err := a.store.Schedule(ctx, rec.ID, rec.StartDate); err != nil {
		a.logger.Error("failed to schedule activity", zap.Error(err), zap.String("activity", domain.RedactedID(rec.ID)))
		a.errorResponse(w, http.StatusInternalServerError, "failed to start live activity")
		return
	}

	// The same APNs token receives both Live Activity updates and widget
	// background refreshes, so registering it here is what gives
	// WidgetTicker anything to fan out to.
	if err := a.store.AddWidgetToken(ctx, rec.Environment, rec.PushToken); err != nil {
		a.logger.Error("failed to register widget token", zap.Error(err), zap.String("activity", domain.RedactedID(rec.ID)))
	}

	w.WriteHeader(http.StatusOK)
}

func (a *API) endLiveActivityHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &domain.EndLiveActivityRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := req.Validate(); err != nil {
		a.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	id := req.ID()

	rec, err := a.store.GetRecord(ctx, id)
	if err != nil && err != domain.ErrNotFound {
		a.logger.Error("failed to look up activity record", zap.Error(err), zap.String("activity", domain.RedactedID(id)))
	}

	if err := a.store.Unschedule(ctx, id); err != nil {
		a.logger.Error("failed to unschedule activity", zap.Error(err), zap.String("activity", domain.RedactedID(id)))
	}
	if err := a.store.DeleteRecord(ctx, id); err != nil && err != domain.ErrNotFound {
		a.logger.Error("failed to delete activity record", zap.Error(err), zap.String("activity", domain.RedactedID(id)))
		a.errorResponse(w, http.StatusInternalServerError, "failed to end live activity")
		return
	}

	if rec != nil {
		if err := a.store.RemoveWidgetToken(ctx, rec.Environment, rec.PushToken); err != nil {
			a.logger.Error("failed to remove widget token", zap.Error(err), zap.String("activity", domain.RedactedID(id)))
		}
	}

	w.WriteHeader(http.StatusOK)
}
