package state

import (
	"maps"
	"slices"

	"github.com/mcpchat/host/session"
)

type Chat struct {
	// CurrentSessionID is empty when no session is selected.
	CurrentSessionID string
	Sessions         []session.ChatSession
	// Messages is keyed by session ID. A missing key means the session's
	// messages have not been fetched yet, not that there are none.
	Messages map[string][]session.Message
}

func (c Chat) clone() Chat {
	out := Chat{
		CurrentSessionID: c.CurrentSessionID,
		Sessions:         slices.Clone(c.Sessions),
		Messages:         make(map[string][]session.Message, len(c.Messages)),
	}
	for id, msgs := range c.Messages {
		if msgs == nil {
			msgs = []session.Message{}
		}
		out.Messages[id] = slices.Clone(msgs)
	}
	return out
}

// Session returns the cached session with the given id.
func (c Chat) Session(id string) (session.ChatSession, bool) {
	for _, s := range c.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return session.ChatSession{}, false
}

// ChatState is the session state container. It performs no validation.
type ChatState struct {
	*Value[Chat]
}

func NewChatState() *ChatState {
	return &ChatState{Value: newValue(Chat{}, Chat.clone)}
}

func (s *ChatState) SetCurrentSession(id string) {
	s.Update(func(c Chat) Chat {
		c.CurrentSessionID = id
		return c
	})
}

func (s *ChatState) SetSessions(sessions []session.ChatSession) {
	s.Update(func(c Chat) Chat {
		c.Sessions = sessions
		return c
	})
}

func (s *ChatState) SetMessages(sessionID string, msgs []session.Message) {
	s.Update(func(c Chat) Chat {
		c.Messages[sessionID] = msgs
		return c
	})
}

// AppendMessage appends msg to its session's loaded messages. Sessions
// whose messages were never fetched are left alone.
func (s *ChatState) AppendMessage(msg session.Message) {
	s.Update(func(c Chat) Chat {
		if msgs, ok := c.Messages[msg.SessionID]; ok {
			c.Messages[msg.SessionID] = append(msgs, msg)
		}
		return c
	})
}

// RemoveSession drops a session, its messages and, if it was selected, the
// selection.
func (s *ChatState) RemoveSession(id string) {
	s.Update(func(c Chat) Chat {
		c.Sessions = slices.DeleteFunc(c.Sessions, func(cs session.ChatSession) bool {
			return cs.ID == id
		})
		delete(c.Messages, id)
		if c.CurrentSessionID == id {
			c.CurrentSessionID = ""
		}
		return c
	})
}

// MessagesFor reports the cached messages of a session and whether they
// have been fetched.
func (s *ChatState) MessagesFor(sessionID string) ([]session.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.v.Messages[sessionID]
	if !ok {
		return nil, false
	}
	return slices.Clone(msgs), true
}

// LoadedSessions lists the ids of sessions whose messages are cached.
func (s *ChatState) LoadedSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.v.Messages))
}
