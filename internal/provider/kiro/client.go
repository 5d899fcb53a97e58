package kiro

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/compress"
	"github.com/pylonlabs/pylon/internal/provider"
)

const (
	providerName  = "kiro"
	defaultRegion = "us-east-1"
	chatPath      = "/generateAssistantResponse"

	maxRetries  = 3
	baseBackoff = 1000 * time.Millisecond
	clientAgent = "aws-sdk-js/3.x KiroIDE-0.2.4"
)

var _ gateway.Engine = (*Engine)(nil)

// Engine is the CodeWhisperer-style chat engine. One Engine is bound to one
// credential; auth travels in the HTTP client's transport chain.
type Engine struct {
	baseURL    string
	http       *http.Client
	profileARN string
	machineID  string

	// Optional observability hooks, set by the wiring layer.
	OnRetry       func()
	OnCompression func(level int)
}

// New creates an Engine for the given credential. The client must carry the
// credential's bearer transport. The machine fingerprint is hashed from the
// credential's profile id, falling back to the configured machineSeed and
// then the credential id.
func New(cred *gateway.Credential, client *http.Client, machineSeed string) (*Engine, error) {
	if client == nil {
		client = &http.Client{}
	}
	region := cred.Region
	if region == "" {
		region = defaultRegion
	}
	seed := cred.ProfileID
	if seed == "" {
		seed = machineSeed
	}
	if seed == "" {
		seed = cred.ID
	}
	sum := sha256.Sum256([]byte(seed))
	return &Engine{
		baseURL:    "https://codewhisperer." + region + ".amazonaws.com",
		http:       client,
		profileARN: cred.ProfileID,
		machineID:  hex.EncodeToString(sum[:]),
	}, nil
}

// Name returns the provider identifier.
func (e *Engine) Name() string { return providerName }

// GenerateContent sends a non-streaming request and aggregates the stream
// into a completion.
func (e *Engine) GenerateContent(ctx context.Context, model string, req *gateway.ChatRequest) (*gateway.Completion, error) {
	resp, err := e.roundTrip(ctx, model, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parser Parser
	var col collector
	var out completionBuilder
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				out.add(col.handle(ev))
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return nil, fmt.Errorf("kiro: read stream: %w", readErr)
			}
			break
		}
	}
	out.add(col.flush())
	return out.completion(), nil
}

// GenerateContentStream sends a streaming request. Events are delivered on
// the returned channel, which is closed at end of stream.
func (e *Engine) GenerateContentStream(ctx context.Context, model string, req *gateway.ChatRequest) (<-chan gateway.StreamEvent, error) {
	resp, err := e.roundTrip(ctx, model, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan gateway.StreamEvent, 8)
	go e.readStream(ctx, resp, ch)
	return ch, nil
}

// roundTrip sends the assembled request with retry and context-overflow
// recovery. Transient failures (429, 5xx) back off exponentially; a
// ValidationException triggers compression up to level 3 before surfacing
// a terminal context-limit error.
func (e *Engine) roundTrip(ctx context.Context, model string, req *gateway.ChatRequest) (*http.Response, error) {
	msgs := req.Messages
	level := 0
	retries := 0
	for {
		working := *req
		working.Messages = msgs
		assembled, err := assembleRequest(&working, model, e.profileARN)
		if err != nil {
			return nil, fmt.Errorf("kiro: assemble request: %w", err)
		}
		body, err := json.Marshal(assembled)
		if err != nil {
			return nil, fmt.Errorf("kiro: marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+chatPath, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("kiro: create request: %w", err)
		}
		e.setHeaders(httpReq)

		resp, err := e.http.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("kiro: do request: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		apiErr := provider.ParseAPIError(providerName, resp)
		resp.Body.Close()

		switch {
		case apiErr.ContextOverflow():
			if level >= compress.MaxLevel {
				return nil, fmt.Errorf("%w: history exceeds the model context window even after compression", gateway.ErrContextLimit)
			}
			level++
			msgs = compress.Compress(msgs, level)
			if e.OnCompression != nil {
				e.OnCompression(level)
			}
		case apiErr.Retryable() && retries < maxRetries:
			if err := sleepCtx(ctx, baseBackoff*(1<<retries)); err != nil {
				return nil, err
			}
			retries++
			if e.OnRetry != nil {
				e.OnRetry()
			}
		case apiErr.AuthFailure():
			return nil, fmt.Errorf("%w: %s", gateway.ErrAuthFailed, apiErr.Error())
		default:
			return nil, apiErr
		}
	}
}

func (e *Engine) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/x-amz-json-1.1")
	r.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	r.Header.Set("User-Agent", clientAgent+" md/"+e.machineID)
}

// readStream pumps the HTTP body through the parser and collector. The body
// is always closed so an abandoned consumer releases the upstream socket.
func (e *Engine) readStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamEvent) {
	defer close(ch)
	defer resp.Body.Close()

	var parser Parser
	var col collector
	buf := make([]byte, 32*1024)

	emit := func(events []gateway.StreamEvent) bool {
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				if !emit(col.handle(ev)) {
					return
				}
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				emit([]gateway.StreamEvent{{Type: gateway.EventError, Err: fmt.Errorf("kiro: read stream: %w", readErr)}})
				return
			}
			break
		}
	}
	emit(col.flush())
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
