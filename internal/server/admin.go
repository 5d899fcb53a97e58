package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/app"
	"github.com/pylonlabs/pylon/internal/credential"
)

// maxAdminBody caps admin request bodies at 1 MB.
const maxAdminBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeAdminError maps the error to a status and writes a sanitized body.
// Internal errors are logged but never echoed to the client.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "admin request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", msg),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse(msg))
}

func (s *server) pool(r *http.Request) (*credential.Pool, error) {
	return s.deps.Chat.Pool(chi.URLParam(r, "provider"))
}

func (s *server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"providers": s.deps.Chat.Providers()})
}

// --- credentials ---

// credentialRequest carries the write-only token fields that the
// Credential JSON representation deliberately omits.
type credentialRequest struct {
	Name         string     `json:"name"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    *time.Time `json:"expires_at"`
	AuthMethod   string     `json:"auth_method"`
	Region       string     `json:"region"`
	ProfileID    string     `json:"profile_id"`
	Active       bool       `json:"active"`
}

func (s *server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool(r)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	creds, err := pool.List(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *server) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool(r)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if req.RefreshToken == "" && req.AccessToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("access_token or refresh_token is required"))
		return
	}

	cred := &gateway.Credential{
		Name:         req.Name,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		AuthMethod:   req.AuthMethod,
		Region:       req.Region,
		ProfileID:    req.ProfileID,
	}
	if err := pool.Add(r.Context(), cred); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if req.Active {
		if err := pool.SetActive(r.Context(), cred.ID); err != nil {
			writeAdminError(w, r, err)
			return
		}
		cred.Active = true
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool(r)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	cred, err := pool.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *server) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool(r)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	cred, err := pool.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if req.Name != "" {
		cred.Name = req.Name
	}
	if req.AccessToken != "" {
		cred.AccessToken = req.AccessToken
	}
	if req.RefreshToken != "" {
		cred.RefreshToken = req.RefreshToken
	}
	if req.ExpiresAt != nil {
		cred.ExpiresAt = req.ExpiresAt
	}
	if req.AuthMethod != "" {
		cred.AuthMethod = req.AuthMethod
	}
	if req.Region != "" {
		cred.Region = req.Region
	}
	if req.ProfileID != "" {
		cred.ProfileID = req.ProfileID
	}

	if err := pool.Update(r.Context(), cred); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Chat.EvictEngine(id)
	writeJSON(w, http.StatusOK, cred)
}

func (s *server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool(r)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := pool.Delete(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Chat.EvictEngine(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleActivateCredential(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool(r)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := pool.SetActive(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	cred, err := pool.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *server) handleListCredentialErrors(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool(r)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	creds, err := pool.Errors(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *server) handleDeleteCredentialError(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool(r)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := pool.DeleteError(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Chat.EvictEngine(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRestoreCredential(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool(r)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := pool.RestoreFromError(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	cred, err := pool.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// --- API keys ---

// keyRequest is the admin key create/update payload. Pointer fields
// distinguish "not sent" from an explicit zero on update.
type keyRequest struct {
	Name             *string  `json:"name"`
	Active           *bool    `json:"active"`
	DailyLimit       *int64   `json:"daily_limit"`
	MonthlyLimit     *int64   `json:"monthly_limit"`
	TotalLimit       *int64   `json:"total_limit"`
	ConcurrentLimit  *int64   `json:"concurrent_limit"`
	DailyCostLimit   *float64 `json:"daily_cost_limit"`
	MonthlyCostLimit *float64 `json:"monthly_cost_limit"`
	TotalCostLimit   *float64 `json:"total_cost_limit"`
	ExpiresInDays    *int     `json:"expires_in_days"`
}

// createKeyResponse returns the plaintext exactly once, at creation.
type createKeyResponse struct {
	Key *gateway.APIKey `json:"key"`
	// Plaintext is shown only in this response and never stored.
	Plaintext string `json:"plaintext"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Keys.ListKeys(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if req.Name == nil || *req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}

	opts := app.CreateKeyOpts{Name: *req.Name}
	if req.DailyLimit != nil {
		opts.DailyLimit = *req.DailyLimit
	}
	if req.MonthlyLimit != nil {
		opts.MonthlyLimit = *req.MonthlyLimit
	}
	if req.TotalLimit != nil {
		opts.TotalLimit = *req.TotalLimit
	}
	if req.ConcurrentLimit != nil {
		opts.ConcurrentLimit = *req.ConcurrentLimit
	}
	if req.DailyCostLimit != nil {
		opts.DailyCostLimit = *req.DailyCostLimit
	}
	if req.MonthlyCostLimit != nil {
		opts.MonthlyCostLimit = *req.MonthlyCostLimit
	}
	if req.TotalCostLimit != nil {
		opts.TotalCostLimit = *req.TotalCostLimit
	}
	if req.ExpiresInDays != nil {
		opts.ExpiresInDays = *req.ExpiresInDays
	}

	plaintext, key, err := s.deps.Keys.CreateKey(r.Context(), opts)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: key, Plaintext: plaintext})
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Keys.GetKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, err := s.deps.Keys.GetKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	var req keyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if req.Name != nil {
		key.Name = *req.Name
	}
	if req.Active != nil {
		key.Active = *req.Active
	}
	if req.DailyLimit != nil {
		key.DailyLimit = *req.DailyLimit
	}
	if req.MonthlyLimit != nil {
		key.MonthlyLimit = *req.MonthlyLimit
	}
	if req.TotalLimit != nil {
		key.TotalLimit = *req.TotalLimit
	}
	if req.ConcurrentLimit != nil {
		key.ConcurrentLimit = *req.ConcurrentLimit
	}
	if req.DailyCostLimit != nil {
		key.DailyCostLimit = *req.DailyCostLimit
	}
	if req.MonthlyCostLimit != nil {
		key.MonthlyCostLimit = *req.MonthlyCostLimit
	}
	if req.TotalCostLimit != nil {
		key.TotalCostLimit = *req.TotalCostLimit
	}
	if req.ExpiresInDays != nil {
		key.ExpiresInDays = *req.ExpiresInDays
	}

	if err := s.deps.Keys.UpdateKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateKey(id)
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.DeleteKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateKey(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleToggleKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, err := s.deps.Keys.GetKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	key.Active = !key.Active
	if err := s.deps.Keys.UpdateKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateKey(id)
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleKeyLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.deps.Keys.Limits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

func (s *server) invalidateKey(id string) {
	if s.deps.KeyCache != nil {
		s.deps.KeyCache.InvalidateByKeyID(id)
	}
}
