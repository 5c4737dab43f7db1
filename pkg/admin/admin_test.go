package admin_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagewire/stagewire/pkg/admin"
	"github.com/stagewire/stagewire/pkg/permission"
	"github.com/stagewire/stagewire/pkg/registry"
)

type fakeService struct {
	channels   []registry.ChannelSnapshot
	pending    []registry.ClientSnapshot
	authorized []string
	rejected   []string
	deleteErr  error
	createErr  error
}

func (s *fakeService) Channels() []registry.ChannelSnapshot { return s.channels }

func (s *fakeService) CreateChannel(name, description string) (registry.ChannelSnapshot, error) {
	if s.createErr != nil {
		return registry.ChannelSnapshot{}, s.createErr
	}
	snapshot := registry.ChannelSnapshot{ID: "channel-1", Name: name, Description: description}
	s.channels = append(s.channels, snapshot)
	return snapshot, nil
}

func (s *fakeService) UpdateChannel(id string, name, description *string) (registry.ChannelSnapshot, error) {
	if id != "channel-1" {
		return registry.ChannelSnapshot{}, registry.ErrChannelNotFound
	}
	snapshot := registry.ChannelSnapshot{ID: id}
	if name != nil {
		snapshot.Name = *name
	}
	return snapshot, nil
}

func (s *fakeService) DeleteChannel(string) error { return s.deleteErr }

func (s *fakeService) Clients() []registry.ClientSnapshot { return nil }

func (s *fakeService) Pending() []registry.ClientSnapshot { return s.pending }

func (s *fakeService) Authorize(clientID string, _ []string, _ permission.Matrix) error {
	s.authorized = append(s.authorized, clientID)
	return nil
}

func (s *fakeService) Reject(clientID string) error {
	if clientID == "gone" {
		return registry.ErrClientNotFound
	}
	s.rejected = append(s.rejected, clientID)
	return nil
}

func newServer(t *testing.T, service admin.Service) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	router.Mount("/api", admin.NewAPI(service, "key").Router())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func do(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	request, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func TestBearerTokenRequired(t *testing.T) {
	server := newServer(t, &fakeService{})

	assert.Equal(t, http.StatusUnauthorized, do(t, "GET", server.URL+"/api/channels", "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, do(t, "GET", server.URL+"/api/channels", "wrong", nil).StatusCode)
	assert.Equal(t, http.StatusOK, do(t, "GET", server.URL+"/api/channels", "key", nil).StatusCode)
}

func TestChannelCRUD(t *testing.T) {
	service := &fakeService{}
	server := newServer(t, service)

	response := do(t, "POST", server.URL+"/api/channels", "key", map[string]string{
		"name": "Stage Left", "description": "left wing",
	})
	require.Equal(t, http.StatusCreated, response.StatusCode)

	var created registry.ChannelSnapshot
	require.NoError(t, json.NewDecoder(response.Body).Decode(&created))
	assert.Equal(t, "Stage Left", created.Name)

	response = do(t, "PATCH", server.URL+"/api/channels/channel-1", "key", map[string]string{"name": "renamed"})
	assert.Equal(t, http.StatusOK, response.StatusCode)

	response = do(t, "PATCH", server.URL+"/api/channels/unknown", "key", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusNotFound, response.StatusCode)

	response = do(t, "POST", server.URL+"/api/channels", "key", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestProtectedChannelDeletion(t *testing.T) {
	service := &fakeService{deleteErr: registry.ErrProtectedChannel}
	server := newServer(t, service)

	response := do(t, "DELETE", server.URL+"/api/channels/main", "key", nil)
	assert.Equal(t, http.StatusConflict, response.StatusCode)
}

func TestPendingQueueOperations(t *testing.T) {
	service := &fakeService{
		pending: []registry.ClientSnapshot{{ID: "client-1", DisplayName: "bob", Status: "pending"}},
	}
	server := newServer(t, service)

	response := do(t, "GET", server.URL+"/api/pending", "key", nil)
	require.Equal(t, http.StatusOK, response.StatusCode)
	var pending []registry.ClientSnapshot
	require.NoError(t, json.NewDecoder(response.Body).Decode(&pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "bob", pending[0].DisplayName)

	response = do(t, "POST", server.URL+"/api/pending/client-1/authorize", "key", map[string]any{
		"channels":    []string{"main"},
		"permissions": map[string]any{"listenTo": map[string]bool{"main": true}},
	})
	assert.Equal(t, http.StatusNoContent, response.StatusCode)
	assert.Equal(t, []string{"client-1"}, service.authorized)

	response = do(t, "POST", server.URL+"/api/pending/gone/reject", "key", nil)
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
}
