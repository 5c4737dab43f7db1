// Package admin is the HTTP management surface: channel CRUD, client
// listing and the pending queue, backed by the same registries as the
// signaling layer.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/stagewire/stagewire/pkg/permission"
	"github.com/stagewire/stagewire/pkg/registry"
)

// Service is what the API needs from the rest of the server. The
// signaling hub is not used directly so the surface stays testable.
type Service interface {
	Channels() []registry.ChannelSnapshot
	CreateChannel(name, description string) (registry.ChannelSnapshot, error)
	UpdateChannel(id string, name, description *string) (registry.ChannelSnapshot, error)
	DeleteChannel(id string) error
	Clients() []registry.ClientSnapshot
	Pending() []registry.ClientSnapshot
	Authorize(clientID string, channels []string, grant permission.Matrix) error
	Reject(clientID string) error
}

type API struct {
	service Service
	secret  string
	logger  *logrus.Entry
}

// NewAPI builds the admin router. The bearer secret is mandatory; the
// caller is expected not to mount the API at all when it is unset.
func NewAPI(service Service, secret string) *API {
	return &API{
		service: service,
		secret:  secret,
		logger:  logrus.WithField("component", "admin_api"),
	}
}

// Router builds the API routes; the caller mounts them under /api.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.authorize)

	r.Get("/channels", a.listChannels)
	r.Post("/channels", a.createChannel)
	r.Patch("/channels/{id}", a.updateChannel)
	r.Delete("/channels/{id}", a.deleteChannel)
	r.Get("/clients", a.listClients)
	r.Get("/pending", a.listPending)
	r.Post("/pending/{id}/authorize", a.authorizePending)
	r.Post("/pending/{id}/reject", a.rejectPending)
	return r
}

// authorize requires "Authorization: Bearer <ADMIN_SECRET>" on every
// request. An unconfigured secret denies everything (fails closed).
func (a *API) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if a.secret == "" || len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		presented := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(presented), []byte(a.secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) listChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Channels())
}

type channelBody struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (a *API) createChannel(w http.ResponseWriter, r *http.Request) {
	var body channelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == nil || *body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	description := ""
	if body.Description != nil {
		description = *body.Description
	}
	snapshot, err := a.service.CreateChannel(*body.Name, description)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshot)
}

func (a *API) updateChannel(w http.ResponseWriter, r *http.Request) {
	var body channelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	snapshot, err := a.service.UpdateChannel(chi.URLParam(r, "id"), body.Name, body.Description)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *API) deleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteChannel(chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Clients())
}

func (a *API) listPending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Pending())
}

type authorizeBody struct {
	Channels    []string          `json:"channels"`
	Permissions permission.Matrix `json:"permissions"`
}

func (a *API) authorizePending(w http.ResponseWriter, r *http.Request) {
	var body authorizeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	clientID := chi.URLParam(r, "id")
	if err := a.service.Authorize(clientID, body.Channels, body.Permissions); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) rejectPending(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Reject(chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch err {
	case registry.ErrChannelNotFound, registry.ErrClientNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case registry.ErrProtectedChannel, registry.ErrDuplicateChannelName:
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.WithError(err).Error("admin request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
