package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/credential"
	"github.com/pylonlabs/pylon/internal/provider"
	"github.com/pylonlabs/pylon/internal/quota"
	"github.com/pylonlabs/pylon/internal/telemetry"
	"github.com/pylonlabs/pylon/internal/tokencount"
	"github.com/pylonlabs/pylon/internal/worker"
)

const (
	engineCacheSize = 1024
	upstreamTimeout = 5 * time.Minute
)

// ChatService drives a chat request end to end: quota admission, credential
// lease, engine dispatch, and usage accounting.
type ChatService struct {
	pools     map[string]*credential.Pool
	providers *provider.Registry
	quota     *quota.Engine
	recorder  *worker.UsageRecorder
	counter   *tokencount.Counter
	metrics   *telemetry.Metrics
	base      http.RoundTripper

	// engines caches one engine per credential; Engine-W instances hold
	// per-credential session state, so creation must be idempotent.
	engines *otter.Cache[string, gateway.Engine]
	group   singleflight.Group
}

// NewChatService wires the chat pipeline. base is the shared upstream
// transport; each engine gets a client that layers the credential's auth
// transport on top of it.
func NewChatService(
	pools map[string]*credential.Pool,
	providers *provider.Registry,
	quotaEngine *quota.Engine,
	recorder *worker.UsageRecorder,
	metrics *telemetry.Metrics,
	base http.RoundTripper,
) *ChatService {
	engines := otter.Must(&otter.Options[string, gateway.Engine]{
		MaximumSize: engineCacheSize,
	})
	return &ChatService{
		pools:     pools,
		providers: providers,
		quota:     quotaEngine,
		recorder:  recorder,
		counter:   tokencount.NewCounter(),
		metrics:   metrics,
		base:      base,
		engines:   engines,
	}
}

// Pool returns the credential pool for a provider.
func (s *ChatService) Pool(providerName string) (*credential.Pool, error) {
	p, ok := s.pools[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", gateway.ErrNotFound, providerName)
	}
	return p, nil
}

// Providers returns the registered provider names.
func (s *ChatService) Providers() []string {
	return s.providers.List()
}

// Chat runs a non-streaming request. credentialID selects a specific
// credential; empty selects the pool's active one.
func (s *ChatService) Chat(ctx context.Context, providerName, credentialID string, req *gateway.ChatRequest) (*gateway.Completion, error) {
	release, cred, engine, err := s.admit(ctx, providerName, credentialID)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	completion, err := engine.GenerateContent(ctx, req.Model, req)
	if err != nil {
		s.observeFailure(ctx, providerName, cred.ID, err)
		s.record(ctx, providerName, cred.ID, req, "", nil, started, statusFor(err))
		return nil, err
	}

	s.record(ctx, providerName, cred.ID, req, completion.Content, completion.Usage, started, http.StatusOK)
	return completion, nil
}

// ChatStream runs a streaming request. The returned channel closes when the
// upstream stream ends or ctx is cancelled; the concurrent slot is released
// and usage recorded at that point, exactly once.
func (s *ChatService) ChatStream(ctx context.Context, providerName, credentialID string, req *gateway.ChatRequest) (<-chan gateway.StreamEvent, error) {
	release, cred, engine, err := s.admit(ctx, providerName, credentialID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	upstream, err := engine.GenerateContentStream(ctx, req.Model, req)
	if err != nil {
		s.observeFailure(ctx, providerName, cred.ID, err)
		s.record(ctx, providerName, cred.ID, req, "", nil, started, statusFor(err))
		release()
		return nil, err
	}

	out := make(chan gateway.StreamEvent)
	go func() {
		defer close(out)
		defer release()

		var text string
		var usage *gateway.Usage
		status := http.StatusOK
		for ev := range upstream {
			if ev.Type == gateway.EventContentDelta {
				text += ev.Text
			}
			if ev.Usage != nil {
				usage = ev.Usage
			}
			if ev.Err != nil {
				s.observeFailure(ctx, providerName, cred.ID, ev.Err)
				status = statusFor(ev.Err)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				// Downstream is gone; drain upstream so the engine can
				// close the socket, then account what we saw.
				for range upstream {
				}
				s.record(ctx, providerName, cred.ID, req, text, usage, started, status)
				return
			}
		}
		s.record(ctx, providerName, cred.ID, req, text, usage, started, status)
	}()
	return out, nil
}

// admit checks quota, leases a credential, and resolves the cached engine.
func (s *ChatService) admit(ctx context.Context, providerName, credentialID string) (func(), *gateway.Credential, gateway.Engine, error) {
	pool, err := s.Pool(providerName)
	if err != nil {
		return nil, nil, nil, err
	}

	identity := gateway.IdentityFromContext(ctx)
	if identity == nil || identity.Key == nil {
		return nil, nil, nil, gateway.ErrUnauthorized
	}
	release, err := s.quota.Admit(ctx, identity.Key)
	if err != nil {
		if s.metrics != nil && errors.Is(err, gateway.ErrQuotaExceeded) {
			s.metrics.QuotaRejects.WithLabelValues(limitName(err)).Inc()
		}
		return nil, nil, nil, err
	}

	var cred *gateway.Credential
	if credentialID != "" {
		cred, err = pool.Get(ctx, credentialID)
	} else {
		cred, err = pool.Lease(ctx)
	}
	if err != nil {
		release()
		return nil, nil, nil, err
	}

	engine, err := s.engineFor(providerName, pool, cred)
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	return release, cred, engine, nil
}

// engineFor returns the engine bound to the credential, building it at most
// once per credential id across concurrent callers.
func (s *ChatService) engineFor(providerName string, pool *credential.Pool, cred *gateway.Credential) (gateway.Engine, error) {
	if e, ok := s.engines.GetIfPresent(cred.ID); ok {
		return e, nil
	}

	v, err, _ := s.group.Do(cred.ID, func() (any, error) {
		if e, ok := s.engines.GetIfPresent(cred.ID); ok {
			return e, nil
		}
		factory, err := s.providers.Get(providerName)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrProviderError, err)
		}
		client := &http.Client{
			Timeout: upstreamTimeout,
			Transport: &credential.Transport{
				Pool:         pool,
				CredentialID: cred.ID,
				Base:         s.base,
			},
		}
		e, err := factory(cred, client)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrProviderError, err)
		}
		s.engines.Set(cred.ID, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(gateway.Engine), nil
}

// EvictEngine drops the cached engine for a credential, forcing a rebuild.
// Called when a credential is deleted or its configuration changes.
func (s *ChatService) EvictEngine(credentialID string) {
	s.engines.Invalidate(credentialID)
}

// observeFailure updates credential error accounting and metrics for an
// upstream failure.
func (s *ChatService) observeFailure(ctx context.Context, providerName, credentialID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if s.metrics != nil {
		s.metrics.UpstreamErrors.WithLabelValues(providerName, fmt.Sprint(statusFor(err))).Inc()
	}
	if errors.Is(err, gateway.ErrAuthFailed) {
		if s.metrics != nil {
			s.metrics.CredentialFailures.WithLabelValues(providerName).Inc()
		}
		if pool, ok := s.pools[providerName]; ok {
			pool.IncrementError(ctx, credentialID, err.Error()) //nolint:errcheck
		}
	}
}

// record accounts a completed request against quota counters and the usage
// trail.
func (s *ChatService) record(ctx context.Context, providerName, credentialID string, req *gateway.ChatRequest, outputText string, usage *gateway.Usage, started time.Time, status int) {
	identity := gateway.IdentityFromContext(ctx)
	if identity == nil {
		return
	}
	u := s.counter.UsageFor(req, outputText, usage)
	cost := s.counter.Cost(req.Model, u)

	s.quota.Record(identity.KeyID, cost)
	if s.recorder != nil {
		s.recorder.Record(gateway.UsageRecord{
			KeyID:        identity.KeyID,
			Provider:     providerName,
			Model:        req.Model,
			CredentialID: credentialID,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			CostUSD:      cost,
			LatencyMs:    int(time.Since(started).Milliseconds()),
			StatusCode:   status,
			RequestID:    gateway.RequestIDFromContext(ctx),
			CreatedAt:    time.Now().UTC(),
		})
	}
	if s.metrics != nil {
		s.metrics.UpstreamDuration.WithLabelValues(providerName, req.Model).Observe(time.Since(started).Seconds())
		s.metrics.TokensProcessed.WithLabelValues(req.Model, "input").Add(float64(u.InputTokens))
		s.metrics.TokensProcessed.WithLabelValues(req.Model, "output").Add(float64(u.OutputTokens))
		if s.recorder != nil {
			s.metrics.UsageQueueLength.Set(float64(s.recorder.Len()))
		}
	}
}

// statusFor maps gateway errors to the HTTP status recorded in the usage
// trail. The server layer maps them independently for responses.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, gateway.ErrContextLimit):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, gateway.ErrAuthFailed):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusBadGateway
	}
}

// limitName extracts the limit label from a quota rejection for metrics.
func limitName(err error) string {
	msg := err.Error()
	for _, name := range []string{
		"daily request limit", "monthly request limit", "total request limit",
		"daily cost limit", "monthly cost limit", "total cost limit",
		"concurrent request limit",
	} {
		if strings.Contains(msg, name) {
			return name
		}
	}
	return "unknown"
}
