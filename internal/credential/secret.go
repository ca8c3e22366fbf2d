package credential

import (
	"log/slog"
	"sync"
)

// Secret holds decrypted credential bytes. On Linux the bytes live in a
// locked anonymous mapping excluded from core dumps.
type Secret struct {
	mu    sync.Mutex
	data  []byte
	unmap func()
	wiped bool
}

func NewSecret(b []byte) *Secret {
	s := &Secret{}
	if len(b) == 0 {
		return s
	}
	s.data, s.unmap = allocate(len(b))
	copy(s.data, b)
	return s
}

// Bytes returns the secret. The slice is invalid after Wipe.
func (s *Secret) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (s *Secret) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Wipe zeroes and releases the secret. Safe to call more than once.
func (s *Secret) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return
	}
	s.wiped = true
	wipe(s.data)
	if s.unmap != nil {
		s.unmap()
	}
	s.data = nil
}

func (s *Secret) String() string { return "[redacted]" }

func (s *Secret) LogValue() slog.Value { return slog.StringValue("[redacted]") }

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
