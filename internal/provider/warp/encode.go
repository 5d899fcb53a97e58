package warp

import "time"

// modelConfigBlob is the byte-exact model-configuration block captured from
// the desktop client. It carries the supported model-family indices and the
// 0x534f6361 magic; the upstream validates it verbatim, so it must never be
// regenerated or reordered.
var modelConfigBlob = []byte{
	0x08, 0x01, 0x10, 0x01,
	0x1a, 0x04, 0x53, 0x4f, 0x63, 0x61,
	0x22, 0x08, 0x08, 0x01, 0x10, 0x02, 0x18, 0x03, 0x20, 0x05,
	0x28, 0x01,
}

// Request metadata entry keys.
const (
	metaEntrypoint   = "entrypoint"
	metaAutoResume   = "is_autoresume"
	metaAutoDetected = "is_autodetected"
)

// encodeRequest serializes a session into the upstream request frame.
// Field layout, top level:
//
//	1  cascade block   { 1 cascade-id, 2 title, 3 repeated message, 4 model-id }
//	2  input block     { 1 environment, 2 user-query }
//	3  model config    (byte-exact blob)
//	4  metadata entry  (repeated { 1 key, 2 value })
//
// Optional environment fields (repo at 8, branch at 11) are only emitted
// when non-empty.
func encodeRequest(s *Session, query string, nowMs int64) []byte {
	var e encoder

	e.msg(1, func(c *encoder) {
		c.str(1, s.CascadeID)
		c.str(2, sessionTitle(s))
		for i := range s.Messages {
			m := &s.Messages[i]
			c.msg(3, func(me *encoder) { encodeMessage(me, m) })
		}
		c.raw(4, []byte(s.ModelID))
	})

	e.msg(2, func(in *encoder) {
		in.msg(1, func(env *encoder) {
			env.str(1, s.Context.WorkingDir)
			env.str(2, s.Context.HomeDir)
			env.str(3, s.Context.Shell)
			env.str(4, s.Context.ShellVersion)
			env.timestamp(5, nowMs)
			if s.Context.Repo != "" {
				env.str(8, s.Context.Repo)
			}
			if s.Context.Branch != "" {
				env.str(11, s.Context.Branch)
			}
		})
		if query != "" {
			in.msg(2, func(q *encoder) {
				q.str(1, query)
				q.str(2, s.TurnID)
			})
		}
	})

	e.raw(3, modelConfigBlob)

	meta := [][2]string{
		{metaEntrypoint, "USER_INITIATED"},
		{metaAutoResume, "false"},
		{metaAutoDetected, "true"},
	}
	for _, kv := range meta {
		e.msg(4, func(m *encoder) {
			m.str(1, kv[0])
			m.str(2, kv[1])
		})
	}

	return e.bytes()
}

// encodeMessage serializes one transcript entry. Every message carries the
// session cascade id and its turn id.
func encodeMessage(e *encoder, m *SessionMessage) {
	e.str(1, m.CascadeID)
	e.str(2, m.TurnID)
	e.uint(3, uint64(m.Kind))
	switch m.Kind {
	case MsgUserQuery, MsgAssistantText:
		e.str(4, m.Text)
	case MsgToolCall:
		e.str(5, m.CallID)
		e.str(6, m.Command)
		if m.Input != "" {
			e.str(7, m.Input)
		}
	case MsgToolResult:
		e.str(5, m.CallID)
		e.str(4, m.Text)
	}
}

// sessionTitle derives the cascade title from the first user query.
func sessionTitle(s *Session) string {
	for _, m := range s.Messages {
		if m.Kind == MsgUserQuery && m.Text != "" {
			if len(m.Text) > 64 {
				return m.Text[:64]
			}
			return m.Text
		}
	}
	return "Untitled"
}

// nowUnixMs returns the current wall clock in milliseconds.
func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}
