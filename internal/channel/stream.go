package channel

import (
	"io"
	"time"
)

// drainPoll is the interval the blocking stream Reader sleeps between
// checks of the receive buffer. It only matters for the SFTP hook's
// synchronous io.Reader contract; the registry's own WaitFor uses its
// own poll interval.
const drainPoll = time.Millisecond

// Reader returns a blocking io.Reader view over this channel's
// receive buffer, draining bytes as they are read rather than
// copying them out repeatedly like Snapshot. Used to feed
// sftp.NewClientPipe (SPEC_FULL.md §6.E, §6.F).
func (c *Channel) Reader() io.Reader { return &chanReader{ch: c} }

// Writer returns an io.Writer view that frames writes as CHANNEL_DATA
// via SendData.
func (c *Channel) Writer() io.Writer { return &chanWriter{ch: c} }

// Stream returns a combined io.ReadWriteCloser view, the shape
// sftpsub.Open and sftp.NewClientPipe expect.
func (c *Channel) Stream() io.ReadWriteCloser {
	return struct {
		io.Reader
		io.Writer
		io.Closer
	}{c.Reader(), c.Writer(), c}
}

// Close sends CHANNEL_CLOSE for this channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	remoteID := c.RemoteID
	c.mu.Unlock()
	return c.send(append([]byte{97}, uint32Bytes(remoteID)...)) // CHANNEL_CLOSE
}

func uint32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

type chanReader struct{ ch *Channel }

func (r *chanReader) Read(p []byte) (int, error) {
	for {
		r.ch.mu.Lock()
		if r.ch.recvBuf.Len() > 0 {
			n, _ := r.ch.recvBuf.Read(p)
			r.ch.mu.Unlock()
			return n, nil
		}
		closed := r.ch.closeReceived || r.ch.eofReceived
		r.ch.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		time.Sleep(drainPoll)
	}
}

type chanWriter struct{ ch *Channel }

func (w *chanWriter) Write(p []byte) (int, error) {
	if err := w.ch.SendData(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
