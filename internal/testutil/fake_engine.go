package testutil

import (
	"context"

	gateway "github.com/pylonlabs/pylon/internal"
)

// FakeEngine is a scriptable gateway.Engine. Completion and Events are
// returned as-is; Err short-circuits both call paths.
type FakeEngine struct {
	Provider   string
	Completion *gateway.Completion
	Events     []gateway.StreamEvent
	Err        error

	Calls       int
	LastModel   string
	LastRequest *gateway.ChatRequest
}

func (e *FakeEngine) Name() string {
	if e.Provider == "" {
		return "fake"
	}
	return e.Provider
}

func (e *FakeEngine) GenerateContent(_ context.Context, model string, req *gateway.ChatRequest) (*gateway.Completion, error) {
	e.Calls++
	e.LastModel = model
	e.LastRequest = req
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Completion != nil {
		return e.Completion, nil
	}
	return &gateway.Completion{Content: "ok"}, nil
}

func (e *FakeEngine) GenerateContentStream(ctx context.Context, model string, req *gateway.ChatRequest) (<-chan gateway.StreamEvent, error) {
	e.Calls++
	e.LastModel = model
	e.LastRequest = req
	if e.Err != nil {
		return nil, e.Err
	}
	ch := make(chan gateway.StreamEvent, len(e.Events))
	go func() {
		defer close(ch)
		for _, ev := range e.Events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
