package goshell

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/goshell-project/goshell/internal/transport"
)

// ErrorKind mirrors internal/transport's taxonomy at the public
// boundary, per spec.md §7.
type ErrorKind = transport.Kind

// ErrorRecord is one structured entry in the shared error log.
type ErrorRecord struct {
	Channel int
	Kind    ErrorKind
	Message string
	Time    time.Time
}

// ErrorLog is the mutex-guarded, per-channel append log spec.md §7
// requires: every fatal error pushes a record here before the
// connection transitions to Closing.
type ErrorLog struct {
	mu      sync.Mutex
	records []ErrorRecord
}

// newErrorLog returns an empty ErrorLog.
func newErrorLog() *ErrorLog { return &ErrorLog{} }

// push appends a record. When a Connection accumulates more than one
// fatal cause before the reactor sweeps it (e.g. a MAC failure racing
// a socket EOF), the causes are combined with go-multierror before the
// message is rendered, so the record still reads as one line.
func (l *ErrorLog) push(channel int, kind ErrorKind, causes ...error) {
	var combined error
	for _, c := range causes {
		if c != nil {
			combined = multierror.Append(combined, c)
		}
	}
	if combined == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, ErrorRecord{
		Channel: channel,
		Kind:    kind,
		Message: combined.Error(),
		Time:    time.Now(),
	})
}

// All returns a copy of every record logged so far.
func (l *ErrorLog) All() []ErrorRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ErrorRecord, len(l.records))
	copy(out, l.records)
	return out
}
