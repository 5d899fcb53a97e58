package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrBadRequest    = errors.New("bad request")
	ErrKeyExpired    = errors.New("api key expired")
	ErrKeyDisabled   = errors.New("api key disabled")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrContextLimit  = errors.New("context limit exceeded")
	ErrProviderError = errors.New("provider error")
	ErrNoCredential  = errors.New("no usable credential")
	ErrQuarantined   = errors.New("credential quarantined")
	ErrSessionBusy   = errors.New("session busy")
	ErrAuthFailed    = errors.New("upstream authentication failed")
)
