package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"finsync-server/src/models"
	"finsync-server/src/plaid"
	"finsync-server/src/plaidsync"
	"finsync-server/src/repository"
)

type WebhookVerifier interface {
	Verify(ctx context.Context, body []byte, header http.Header) error
}

func CreateLinkToken(feed plaid.Aggregator, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		session, err := feed.CreateLinkSession(r.Context(), userID)
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Handler.CreateLinkToken")
			writeError(w, http.StatusBadGateway, "failed to create link token")
			return
		}
		writeJSON(w, http.StatusCreated, session)
	}
}

func ExchangePublicToken(rec *plaidsync.Reconciler, sched plaidsync.Scheduler, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		var req struct {
			PublicToken string `json:"public_token"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.PublicToken == "" {
			writeError(w, http.StatusBadRequest, "public_token is required")
			return
		}

		item, err := rec.LinkItem(r.Context(), userID, req.PublicToken, sched)
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Handler.ExchangePublicToken")
			writeError(w, http.StatusBadGateway, "failed to link item")
			return
		}
		writeJSON(w, http.StatusCreated, item)
	}
}

func GetPlaidItems(items repository.ItemStore, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		list, err := items.ListItems(r.Context(), userID)
		if err != nil {
			storeError(w, log.WithField("user_id", userID), err, "failed to list items")
			return
		}
		if list == nil {
			list = []models.PlaidItem{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// SyncItem schedules a sync of one of the caller's items.
func SyncItem(items repository.ItemStore, sched Scheduler, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		itemID := chi.URLParam(r, "item_id")
		item, err := items.GetItem(r.Context(), itemID)
		if err == nil && item.UserID != userID {
			err = repository.ErrNotFound
		}
		if err != nil {
			storeError(w, log.WithField("item_id", itemID), err, "failed to load item")
			return
		}

		if err := sched.ScheduleSync(r.Context(), itemID); err != nil {
			log.WithError(err).WithField("item_id", itemID).Error("Handler.SyncItem")
			writeError(w, http.StatusInternalServerError, "failed to schedule sync")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"item_id": itemID, "status": "scheduled"})
	}
}

func SyncAllItems(rec *plaidsync.Reconciler, sched plaidsync.Scheduler, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		n, err := rec.SyncUser(r.Context(), userID, sched)
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Handler.SyncAllItems")
			writeError(w, http.StatusInternalServerError, "failed to schedule sync")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]int{"scheduled": n})
	}
}

// PlaidWebhook accepts signed Plaid webhooks. Events other than
// SYNC_UPDATES_AVAILABLE are acknowledged and ignored.
func PlaidWebhook(verifier WebhookVerifier, sched Scheduler, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
		if err := verifier.Verify(r.Context(), body, r.Header); err != nil {
			log.WithError(err).Warn("Handler.PlaidWebhook.Unverified")
			writeError(w, http.StatusUnauthorized, "invalid webhook signature")
			return
		}

		event, err := plaid.ParseWebhookEvent(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid webhook body")
			return
		}
		fields := logrus.Fields{"webhook_type": event.WebhookType, "webhook_code": event.WebhookCode, "item_id": event.ItemID}
		if !event.SyncRequested() {
			log.WithFields(fields).Debug("Handler.PlaidWebhook.Ignored")
			w.WriteHeader(http.StatusOK)
			return
		}

		if err := sched.ScheduleSync(r.Context(), event.ItemID); err != nil {
			log.WithError(err).WithFields(fields).Error("Handler.PlaidWebhook")
			// a 5xx makes Plaid redeliver
			writeError(w, http.StatusInternalServerError, "failed to schedule sync")
			return
		}
		log.WithFields(fields).Info("Handler.PlaidWebhook.SyncScheduled")
		w.WriteHeader(http.StatusOK)
	}
}
