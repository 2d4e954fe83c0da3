package auth

import "sync"

// MockSink records sign outs.
type MockSink struct {
	SignOutSink

	mu      sync.Mutex
	reasons []string
}

func (s *MockSink) SignOut(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
}

func (s *MockSink) Reasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reasons...)
}

// MockTokenSource returns a fixed token.
type MockTokenSource struct {
	Value string
}

func (m *MockTokenSource) Header() string { return DefaultHeader }

func (m *MockTokenSource) Token() (string, error) {
	if m.Value == "" {
		return "", ErrSignedOut
	}
	return m.Value, nil
}
