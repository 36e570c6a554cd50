package chat

import "sync"

// Session is the in-memory conversation history, trimmed to a sliding window.
// The leading system message is always kept.
type Session struct {
	mu       sync.Mutex
	messages []Message
	window   int
}

// NewSession creates a session holding at most window messages.
func NewSession(window int) *Session {
	if window < 2 {
		window = 2
	}
	return &Session{window: window}
}

// Add appends msg and trims the oldest turns.
func (s *Session) Add(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.trim()
}

// Messages returns a copy of the history.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Clear drops everything but the system message.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > 0 && s.messages[0].Role == "system" {
		s.messages = s.messages[:1]
		return
	}
	s.messages = nil
}

func (s *Session) trim() {
	if len(s.messages) <= s.window {
		return
	}
	var sys *Message
	if s.messages[0].Role == "system" {
		cp := s.messages[0]
		sys = &cp
	}
	s.messages = s.messages[len(s.messages)-s.window:]
	if sys != nil && s.messages[0].Role != "system" {
		s.messages = append([]Message{*sys}, s.messages[1:]...)
	}
}
