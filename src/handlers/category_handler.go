package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"finsync-server/src/models"
	"finsync-server/src/repository"
)

func GetCategories(store repository.CategoryStore, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		list, err := store.FindMany(r.Context(), userID)
		if err != nil {
			storeError(w, log.WithField("user_id", userID), err, "failed to list categories")
			return
		}
		if list == nil {
			list = []models.Category{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// CreateCategory is idempotent by name.
func CreateCategory(store repository.CategoryStore, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		var req struct {
			Name string `json:"name"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		category, err := store.UpsertByName(r.Context(), userID, name)
		if err != nil {
			storeError(w, log.WithField("user_id", userID), err, "failed to create category")
			return
		}
		writeJSON(w, http.StatusCreated, category)
	}
}

// ownedCategories returns the ids of the categories userID owns.
func ownedCategories(ctx context.Context, store repository.CategoryStore, userID int64) (map[string]bool, error) {
	list, err := store.FindMany(ctx, userID)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(list))
	for _, c := range list {
		owned[c.ID] = true
	}
	return owned, nil
}
