package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"finsync-server/src/middleware"
	"finsync-server/src/repository"
)

// Scheduler enqueues background work for a user or item.
type Scheduler interface {
	ScheduleSync(ctx context.Context, itemID string) error
	ScheduleProcessAll(ctx context.Context, userID int64) error
	ScheduleDetectTransfers(ctx context.Context, userID int64, lookbackDays *int) error
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// storeError maps repository sentinels onto status codes and logs anything
// unexpected.
func storeError(w http.ResponseWriter, log logrus.FieldLogger, err error, msg string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrDuplicate):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, repository.ErrInvalidReference):
		writeError(w, http.StatusUnprocessableEntity, "unknown category")
	default:
		log.WithError(err).Error(msg)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func currentUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return userID, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}
