// Package fakeserver provides an in-memory gorilla/mux HTTP server
// implementing the routes httptransport.Client talks to, grounded on the
// teacher's cmd/chatserver/main.go router assembly and
// internal/handlers/device_handlers.go handler shapes. It exists only to
// exercise the HTTP transport delegate end to end in tests.
package fakeserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/transport"
)

// Server is a test double implementing the server side of transport.Delegate's
// five operations over HTTP.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	configs       map[string]identity.UserConfiguration
	oneTimeKeys   map[string]transport.OneTimeKeyIDs
	rotated       []transport.RotatedKeysPayload
	notifications []transport.IdentityCreationPayload
}

// New builds and starts a fakeserver.Server.
func New() *Server {
	s := &Server{
		configs:     map[string]identity.UserConfiguration{},
		oneTimeKeys: map[string]transport.OneTimeKeyIDs{},
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/configurations/{secretName}", s.handleFindConfiguration).Methods(http.MethodGet)
	router.HandleFunc("/v1/configurations/devices/{deviceId}", s.handlePublishConfiguration).Methods(http.MethodPut)
	router.HandleFunc("/v1/configurations/{secretName}/devices/{deviceId}/one-time-keys", s.handleFetchOneTimeKeys).Methods(http.MethodPost)
	router.HandleFunc("/v1/configurations/{secretName}/devices/{deviceId}/rotate", s.handleRotate).Methods(http.MethodPost)
	router.HandleFunc("/v1/configurations/{secretName}/notify", s.handleNotify).Methods(http.MethodPost)

	s.Server = httptest.NewServer(router)
	return s
}

// SeedConfiguration installs a UserConfiguration a client can discover via
// FindConfiguration.
func (s *Server) SeedConfiguration(secretName string, config identity.UserConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[secretName] = config
}

// SeedOneTimeKeys installs the OneTimeKeyIDs hint served for a device.
func (s *Server) SeedOneTimeKeys(deviceID uuid.UUID, ids transport.OneTimeKeyIDs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneTimeKeys[deviceID.String()] = ids
}

// Notifications returns the identity-creation notifications received so far.
func (s *Server) Notifications() []transport.IdentityCreationPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.IdentityCreationPayload(nil), s.notifications...)
}

// RotatedPayloads returns the rotated-key payloads received so far.
func (s *Server) RotatedPayloads() []transport.RotatedKeysPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.RotatedKeysPayload(nil), s.rotated...)
}

func (s *Server) handleFindConfiguration(w http.ResponseWriter, r *http.Request) {
	secretName := mux.Vars(r)["secretName"]

	s.mu.Lock()
	config, ok := s.configs[secretName]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "configuration not found", http.StatusNotFound)
		return
	}
	writeJSON(w, config)
}

func (s *Server) handlePublishConfiguration(w http.ResponseWriter, r *http.Request) {
	var config identity.UserConfiguration
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	deviceID := mux.Vars(r)["deviceId"]

	s.mu.Lock()
	s.configs[deviceID] = config
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchOneTimeKeys(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	s.mu.Lock()
	ids := s.oneTimeKeys[deviceID]
	s.mu.Unlock()

	writeJSON(w, ids)
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	var payload transport.RotatedKeysPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.rotated = append(s.rotated, payload)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var payload transport.IdentityCreationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.notifications = append(s.notifications, payload)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
