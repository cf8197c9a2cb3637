package sshcrypto

import (
	"crypto/rand"
	"io"
	"sync"
)

// LockedRNG wraps crypto/rand.Reader behind its own mutex, distinct
// from the Connection Registry lock, so crypto code invoked while the
// registry lock is held never risks a lock-ordering inversion —
// spec.md §5's "Shared resource" requirement.
type LockedRNG struct {
	mu     sync.Mutex
	source io.Reader
}

// NewLockedRNG returns a LockedRNG backed by crypto/rand.Reader.
func NewLockedRNG() *LockedRNG {
	return &LockedRNG{source: rand.Reader}
}

// Read implements io.Reader.
func (l *LockedRNG) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return io.ReadFull(l.source, p)
}

// RandomBytes returns n cryptographically random bytes.
func (l *LockedRNG) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := l.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
