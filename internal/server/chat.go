package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/pylonlabs/pylon/internal"
)

// maxChatBody caps request bodies at 10 MB; histories with inline images
// get large.
const maxChatBody = 10 << 20

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	credentialID := chi.URLParam(r, "credentialID")

	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}

	if req.Stream {
		s.handleChatStream(w, r, providerName, credentialID, &req)
		return
	}

	completion, err := s.deps.Chat.Chat(r.Context(), providerName, credentialID, &req)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, completion)
}

// handleChatStream relays engine events as SSE frames of the form
// "event: <type>\ndata: <json>\n\n".
func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request, providerName, credentialID string, req *gateway.ChatRequest) {
	ch, err := s.deps.Chat.ChatStream(r.Context(), providerName, credentialID, req)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Err != nil {
				payload, _ := json.Marshal(map[string]string{"message": ev.Err.Error()})
				writeSSEEvent(w, gateway.EventError, payload)
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "encode stream event",
					slog.String("error", err.Error()),
				)
				continue
			}
			writeSSEEvent(w, ev.Type, payload)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleOwnLimits reports the calling key's limits and live usage.
func (s *server) handleOwnLimits(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}
	limits, err := s.deps.Keys.Limits(r.Context(), identity.KeyID)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyExpired):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrKeyDisabled):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict), errors.Is(err, gateway.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrContextLimit):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, gateway.ErrNoCredential):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrAuthFailed), errors.Is(err, gateway.ErrProviderError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
