package warp

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	gateway "github.com/pylonlabs/pylon/internal"
)

// MessageKind discriminates session messages.
type MessageKind int

// Session message kinds.
const (
	MsgUserQuery MessageKind = iota + 1
	MsgAssistantText
	MsgToolCall
	MsgToolResult
)

// SessionMessage is one entry in a session transcript. Every message carries
// the session's cascade id and the turn id it was produced under.
type SessionMessage struct {
	Kind      MessageKind
	CascadeID string
	TurnID    string
	Text      string // user query, assistant text, or tool-result payload
	CallID    string // tool_call / tool_result
	Command   string // tool_call
	Input     string // tool_call raw input
}

// EnvContext is the client environment reported with every request.
type EnvContext struct {
	WorkingDir   string
	HomeDir      string
	Shell        string
	ShellVersion string
	Repo         string
	Branch       string
}

// Session is a long-lived conversation. The cascade id is stable for the
// session's lifetime; the turn id rotates on each new user query.
type Session struct {
	ID        string
	CascadeID string
	TurnID    string
	Context   EnvContext
	Messages  []SessionMessage
	ModelID   string
	CreatedAt time.Time
	UpdatedAt time.Time

	busy atomic.Bool
}

// NewSession creates a session with a fresh cascade id.
func NewSession(id, modelID string, env EnvContext) *Session {
	now := time.Now().UTC()
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:        id,
		CascadeID: uuid.NewString(),
		TurnID:    uuid.NewString(),
		Context:   env,
		ModelID:   modelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Acquire marks the session busy for one chat call. Concurrent appends to
// the same session are disallowed and fail fast.
func (s *Session) Acquire() error {
	if !s.busy.CompareAndSwap(false, true) {
		return gateway.ErrSessionBusy
	}
	return nil
}

// Release returns the session to the idle state.
func (s *Session) Release() {
	s.busy.Store(false)
}

// BeginTurn rotates the turn id for a new user query and appends it.
func (s *Session) BeginTurn(query string) {
	s.TurnID = uuid.NewString()
	s.append(SessionMessage{Kind: MsgUserQuery, Text: query})
}

// AppendAssistantText records an assistant text message in the current turn.
func (s *Session) AppendAssistantText(text string) {
	s.append(SessionMessage{Kind: MsgAssistantText, Text: text})
}

// AppendToolCall records a tool call emitted by the upstream.
func (s *Session) AppendToolCall(callID, command, input string) {
	s.append(SessionMessage{Kind: MsgToolCall, CallID: callID, Command: command, Input: input})
}

// AppendToolResult records a locally executed tool outcome.
func (s *Session) AppendToolResult(callID, payload string) {
	s.append(SessionMessage{Kind: MsgToolResult, CallID: callID, Text: payload})
}

func (s *Session) append(m SessionMessage) {
	m.CascadeID = s.CascadeID
	m.TurnID = s.TurnID
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = time.Now().UTC()
}

// SessionStore is an in-memory LRU table of live sessions.
type SessionStore struct {
	cache *otter.Cache[string, *Session]
}

// NewSessionStore creates a store bounded at capacity sessions; the least
// recently used session is evicted when full.
func NewSessionStore(capacity int) *SessionStore {
	return &SessionStore{
		cache: otter.Must(&otter.Options[string, *Session]{
			MaximumSize: capacity,
		}),
	}
}

// Get returns the session with the given id, or nil.
func (st *SessionStore) Get(id string) *Session {
	s, ok := st.cache.GetIfPresent(id)
	if !ok {
		return nil
	}
	return s
}

// Put stores a session under its id.
func (st *SessionStore) Put(s *Session) {
	st.cache.Set(s.ID, s)
}

// Delete removes a session.
func (st *SessionStore) Delete(id string) {
	st.cache.Invalidate(id)
}
