// Package channel implements the SSH channel layer (spec.md §4.D):
// channel open/confirmation, shell/exec/subsystem mode setup,
// windowing with restore-at-half-window, and a copy-out receive
// buffer.
package channel

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/goshell-project/goshell/internal/wire"
)

// Mode tags what a channel was opened to run.
type Mode int

const (
	ModeShell Mode = iota
	ModeExec
	ModeSubsystem
)

// State collapses the channel lifecycle to one tagged enum.
type State int

const (
	StateOpening State = iota
	StateOpen
	StateEOFSent
	StateClosed
)

const (
	initialWindowSize = 0x7FFFFFFF
	maxPacketSize     = 0x4000
)

// ErrChannelOpenFailed and ErrRequestFailed report the two ways
// mode setup can fail per spec.md §4.D.
var (
	ErrChannelOpenFailed = fmt.Errorf("channel: CHANNEL_OPEN_FAILURE")
	ErrRequestFailed     = fmt.Errorf("channel: CHANNEL_FAILURE")
)

// Channel is one logical stream multiplexed inside a Transport.
type Channel struct {
	mu   sync.Mutex
	cond *sync.Cond

	LocalID  uint32
	RemoteID uint32
	Mode     Mode
	State    State

	localWindow  uint32
	remoteWindow uint32
	remoteMaxPkt uint32

	recvBuf bytes.Buffer

	eofReceived   bool
	closeReceived bool
	exitStatus    *uint32

	// send is how the channel emits framed transport payloads; the
	// Transport (or a test double) supplies this so this package has
	// no direct dependency on internal/transport.
	send func(payload []byte) error
}

// New constructs a Channel about to send CHANNEL_OPEN.
func New(localID uint32, mode Mode, send func(payload []byte) error) *Channel {
	c := &Channel{
		LocalID:     localID,
		Mode:        mode,
		State:       StateOpening,
		localWindow: initialWindowSize,
		send:        send,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Open sends CHANNEL_OPEN "session" for this channel.
func (c *Channel) Open() error {
	payload := wire.NewWriter().
		Byte(90). // CHANNEL_OPEN
		UTF8("session").
		Uint32(c.LocalID).
		Uint32(initialWindowSize).
		Uint32(maxPacketSize).
		Bytes()
	return c.send(payload)
}

// HandleOpenConfirmation records the peer's remote id and window from
// a CHANNEL_OPEN_CONFIRMATION payload.
func (c *Channel) HandleOpenConfirmation(payload []byte) error {
	r := wire.NewReader(payload[1:])
	if _, err := r.Uint32(); err != nil { // recipient channel (== c.LocalID)
		return err
	}
	remoteID, err := r.Uint32()
	if err != nil {
		return err
	}
	remoteWindow, err := r.Uint32()
	if err != nil {
		return err
	}
	remoteMaxPkt, err := r.Uint32()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RemoteID = remoteID
	c.remoteWindow = remoteWindow
	c.remoteMaxPkt = remoteMaxPkt
	c.State = StateOpen
	return nil
}

// PtyReq builds the pty-req channel-request payload body (term=xterm,
// 80x24), per spec.md §4.D's shell mode setup; Request sends it.
func (c *Channel) PtyReq() []byte {
	return wire.NewWriter().
		UTF8("xterm").
		Uint32(80).
		Uint32(24).
		Uint32(0).
		Uint32(0).
		UTF8("").
		Bytes()
}

// ShellRequestBody builds the "shell" channel-request payload body,
// which is empty.
func (c *Channel) ShellRequestBody() []byte { return nil }

// ExecRequestBody builds the "exec" channel-request payload body.
func (c *Channel) ExecRequestBody(command string) []byte {
	return wire.NewWriter().UTF8(command).Bytes()
}

// SubsystemRequestBody builds the "subsystem" channel-request payload body.
func (c *Channel) SubsystemRequestBody(name string) []byte {
	return wire.NewWriter().UTF8(name).Bytes()
}

// Request sends a named channel request with want_reply=true.
func (c *Channel) Request(requestType string, body []byte) error {
	w := wire.NewWriter().
		Byte(98).
		Uint32(c.RemoteID).
		UTF8(requestType).
		Bool(true).
		Raw(body)
	return c.send(w.Bytes())
}

// SendData splits payload at min(remoteMaxPkt, remoteWindow) and emits
// one or more CHANNEL_DATA messages, per spec.md §4.D's windowing
// rule. When remoteWindow reaches 0 mid-send it parks on c.cond until
// HandleWindowAdjust restores it, rather than returning an error — a
// closed window is normal backpressure, not a fault. It unparks early
// with ErrChannelClosed if the channel closes while blocked.
func (c *Channel) SendData(payload []byte) error {
	for len(payload) > 0 {
		c.mu.Lock()
		for c.remoteWindow == 0 && c.State != StateClosed {
			c.cond.Wait()
		}
		if c.State == StateClosed {
			c.mu.Unlock()
			return ErrChannelClosed
		}
		chunk := uint32(len(payload))
		if chunk > c.remoteMaxPkt {
			chunk = c.remoteMaxPkt
		}
		if chunk > c.remoteWindow {
			chunk = c.remoteWindow
		}
		c.remoteWindow -= chunk
		c.mu.Unlock()

		w := wire.NewWriter().
			Byte(94). // CHANNEL_DATA
			Uint32(c.RemoteID).
			String(payload[:chunk])
		if err := c.send(w.Bytes()); err != nil {
			return err
		}
		payload = payload[chunk:]
	}
	return nil
}

// ErrChannelClosed is returned by SendData when the channel closes
// while a send is parked waiting for the remote window to reopen.
var ErrChannelClosed = fmt.Errorf("channel: closed while waiting for window")

// HandleWindowAdjust increases remoteWindow on an inbound
// CHANNEL_WINDOW_ADJUST and wakes any SendData parked on it.
func (c *Channel) HandleWindowAdjust(payload []byte) error {
	r := wire.NewReader(payload[1:])
	if _, err := r.Uint32(); err != nil {
		return err
	}
	delta, err := r.Uint32()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteWindow += delta
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

// HandleData appends inbound CHANNEL_DATA to the receive buffer and,
// once the local window drops below half of its initial size, restores
// it to initialWindowSize and advertises the actual gap that closed —
// not a fixed half-window guess — via CHANNEL_WINDOW_ADJUST, per
// spec.md §4.D.
func (c *Channel) HandleData(payload []byte) error {
	r := wire.NewReader(payload[1:])
	if _, err := r.Uint32(); err != nil {
		return err
	}
	data, err := r.String()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.recvBuf.Write(data)
	c.localWindow -= uint32(len(data))
	needsAdjust := c.localWindow < initialWindowSize/2
	var delta uint32
	if needsAdjust {
		delta = initialWindowSize - c.localWindow
		c.localWindow = initialWindowSize
	}
	c.mu.Unlock()

	if needsAdjust {
		w := wire.NewWriter().
			Byte(93). // CHANNEL_WINDOW_ADJUST
			Uint32(c.RemoteID).
			Uint32(delta).
			Bytes()
		return c.send(w)
	}
	return nil
}

// HandleEOF and HandleClose record the corresponding terminal signals
// for sendCmd completion tracking (spec.md §4.D).
func (c *Channel) HandleEOF() {
	c.mu.Lock()
	c.eofReceived = true
	c.mu.Unlock()
}

func (c *Channel) HandleClose() {
	c.mu.Lock()
	c.closeReceived = true
	c.State = StateClosed
	c.mu.Unlock()
	c.cond.Broadcast()
}

// HandleExitStatus records the exit-status channel request, another
// sendCmd completion signal.
func (c *Channel) HandleExitStatus(payload []byte) error {
	r := wire.NewReader(payload)
	status, err := r.Uint32()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.exitStatus = &status
	c.mu.Unlock()
	return nil
}

// Complete reports whether the command this channel is running has
// finished: EOF, CLOSE, or exit-status observed.
func (c *Channel) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eofReceived || c.closeReceived || c.exitStatus != nil
}

// Snapshot returns a copy of the receive buffer's current contents.
// spec.md §9 flags the source's raw-pointer read as needing
// re-architecture; this is that redesign.
func (c *Channel) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.recvBuf.Len())
	copy(out, c.recvBuf.Bytes())
	return out
}

// ReceivedSize returns the number of bytes currently buffered.
func (c *Channel) ReceivedSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvBuf.Len()
}

// WaitFor polls the receive buffer until pattern appears (searched
// from the tail backwards, per spec.md §4.D) or timeout elapses.
// timeout==0 waits forever. poll is the interval between checks.
func (c *Channel) WaitFor(pattern string, timeout time.Duration, poll time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if containsFromTail(c.Snapshot(), pattern) {
			return true
		}
		if timeout != 0 && time.Now().After(deadline) {
			return false
		}
		time.Sleep(poll)
	}
}

// containsFromTail searches for pattern starting from the end of buf,
// matching spec.md §4.D's "searched from the tail backwards for
// responsiveness" wording exactly rather than delegating to
// bytes.Contains (which scans from the front).
func containsFromTail(buf []byte, pattern string) bool {
	if len(pattern) == 0 {
		return true
	}
	p := []byte(pattern)
	for start := len(buf) - len(p); start >= 0; start-- {
		if bytes.Equal(buf[start:start+len(p)], p) {
			return true
		}
	}
	return false
}
