package transport

import (
	"fmt"
	"net"
	"time"
)

// ClientVersion is this implementation's SSH-2 identification string,
// a build-time constant per SPEC_FULL.md §11 (the source hard-coded a
// legacy string here instead).
const ClientVersion = "SSH-2.0-goshell_2.0"

// maxJunkLines and maxLineLength bound the version-banner tolerance
// spec.md §4.C and §8 require: arbitrary preceding lines are allowed,
// but not unbounded ones.
const (
	maxJunkLines  = 50
	maxLineLength = 255
)

// ErrBadBanner is returned when no "SSH-2.0-" line arrives within the
// junk-line and length bounds.
var ErrBadBanner = fmt.Errorf("transport: no SSH-2.0 banner line received")

// exchangeVersions sends this side's identification string and reads
// the peer's, tolerating up to maxJunkLines non-identification lines
// first (RFC 4253 §4.2). deadline bounds the whole exchange.
//
// The read is byte-by-byte straight off conn, deliberately without a
// bufio.Reader: a real peer routinely pipelines its KEXINIT in the same
// write as its version banner, and a buffered reader would pull those
// trailing bytes into its own internal buffer and lose them the moment
// this function returns and the reader goes out of scope. Every read
// after this one (readPlainOrEncrypted, ReadPacket) reads straight off
// t.conn, so this one has to as well.
func exchangeVersions(conn net.Conn, deadline time.Time) (serverVersion []byte, err error) {
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte(ClientVersion + "\r\n")); err != nil {
		return nil, newFatal(KindNetwork, err)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for i := 0; i <= maxJunkLines; i++ {
		line, err := readBoundedLine(conn)
		if err != nil {
			return nil, newFatal(KindNetwork, err)
		}
		if len(line) >= 8 && string(line[:8]) == "SSH-2.0-" {
			return line, nil
		}
	}
	return nil, newFatal(KindProtocol, ErrBadBanner)
}

// readBoundedLine reads one CRLF- or LF-terminated line one byte at a
// time off r, failing if it exceeds maxLineLength bytes before a
// terminator is seen.
func readBoundedLine(r net.Conn) ([]byte, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		if _, err := r.Read(buf); err != nil {
			return nil, err
		}
		b := buf[0]
		if b == '\n' {
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			return line, nil
		}
		line = append(line, b)
		if len(line) > maxLineLength {
			return nil, fmt.Errorf("transport: %w: line exceeds %d bytes", ErrBadBanner, maxLineLength)
		}
	}
}
