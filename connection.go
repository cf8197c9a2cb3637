package goshell

import (
	"crypto/dsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/goshell-project/goshell/internal/channel"
	"github.com/goshell-project/goshell/internal/transport"
	"github.com/goshell-project/goshell/internal/wire"
)

// connection is one Connection (spec.md §3): a socket, a Transport,
// and the channels multiplexed over it. Every connection has exactly
// one "session" channel (ch) driving the shell/exec command it was
// opened for; extra holds any further channels opened on the same
// transport afterwards, such as an SFTP subsystem channel started via
// InitSftp.
type connection struct {
	id  int
	tp  *transport.Transport
	ch  *channel.Channel
	log *logrus.Entry

	extraMu sync.Mutex
	extra   map[uint32]*channel.Channel
}

func (c *connection) addExtra(ch *channel.Channel) {
	c.extraMu.Lock()
	defer c.extraMu.Unlock()
	if c.extra == nil {
		c.extra = make(map[uint32]*channel.Channel)
	}
	c.extra[ch.LocalID] = ch
}

func (c *connection) findChannel(localID uint32) *channel.Channel {
	if c.ch != nil && c.ch.LocalID == localID {
		return c.ch
	}
	c.extraMu.Lock()
	defer c.extraMu.Unlock()
	return c.extra[localID]
}

// dialAndHandshake dials host:port, exchanges versions, and runs KEX,
// the synchronous portion of connectWithPassword/connectWithKey that
// spec.md's reactor never needs to see.
func (c *Client) dialAndHandshake(host string, port int, timeout time.Duration) (*transport.Transport, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, &transport.Error{Kind: transport.KindNetwork, Fatal: true, Err: err}
	}
	tp := transport.New(conn, c.menu(), c.rng, c.log.WithField("host", addr))
	if err := tp.Handshake(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	return tp, nil
}

// setupChannel opens the "session" channel, then — depending on mode
// — requests a pty and interactive shell, an exec command, or a named
// subsystem. It runs entirely synchronously against tp, before the
// connection is handed to the registry's reactor.
func (c *Client) setupChannel(tp *transport.Transport, id int, mode channel.Mode, execCommand, subsystem string) (*channel.Channel, error) {
	ch := channel.New(uint32(id), mode, tp.WritePacket)
	if err := ch.Open(); err != nil {
		return nil, err
	}
	payload, err := tp.ReadUntil(func(mt transport.MessageType) bool {
		return mt == transport.MsgChannelOpenConfirmation || mt == transport.MsgChannelOpenFailure
	})
	if err != nil {
		return nil, err
	}
	if transport.MessageType(payload[0]) == transport.MsgChannelOpenFailure {
		return nil, &transport.Error{Kind: transport.KindChannel, Fatal: true, Err: channel.ErrChannelOpenFailed}
	}
	if err := ch.HandleOpenConfirmation(payload); err != nil {
		return nil, err
	}
	if err := requestMode(tp, ch, mode, execCommand, subsystem); err != nil {
		return nil, err
	}
	return ch, nil
}

// requestMode runs the pty-req/shell, exec, or subsystem channel
// request sequence on an already-open channel, per spec.md §4.D. Each
// request uses want_reply=true and must see CHANNEL_SUCCESS before
// data flows.
func requestMode(tp *transport.Transport, ch *channel.Channel, mode channel.Mode, execCommand, subsystem string) error {
	awaitReply := func() error {
		payload, err := tp.ReadUntil(func(mt transport.MessageType) bool {
			return mt == transport.MsgChannelSuccess || mt == transport.MsgChannelFailure
		})
		if err != nil {
			return err
		}
		if transport.MessageType(payload[0]) == transport.MsgChannelFailure {
			return &transport.Error{Kind: transport.KindChannel, Fatal: true, Err: channel.ErrRequestFailed}
		}
		return nil
	}

	switch mode {
	case channel.ModeShell:
		if err := ch.Request("pty-req", ch.PtyReq()); err != nil {
			return err
		}
		if err := awaitReply(); err != nil {
			return err
		}
		if err := ch.Request("shell", ch.ShellRequestBody()); err != nil {
			return err
		}
		return awaitReply()
	case channel.ModeExec:
		if err := ch.Request("exec", ch.ExecRequestBody(execCommand)); err != nil {
			return err
		}
		return awaitReply()
	case channel.ModeSubsystem:
		if err := ch.Request("subsystem", ch.SubsystemRequestBody(subsystem)); err != nil {
			return err
		}
		return awaitReply()
	}
	return nil
}

// wireDispatch routes every non-transport payload observed by the
// reactor's Step calls to the channel it names. A connection may
// multiplex more than one channel over its transport (the session
// channel plus, e.g., an SFTP subsystem channel opened later by
// InitSftp), so every channel message is routed by its leading
// recipient-channel field rather than assumed to belong to conn.ch.
func (c *Client) wireDispatch(conn *connection) {
	conn.tp.Dispatch = func(msgType transport.MessageType, payload []byte) error {
		switch msgType {
		case transport.MsgChannelData, transport.MsgChannelWindowAdjust,
			transport.MsgChannelEOF, transport.MsgChannelClose,
			transport.MsgChannelRequest, transport.MsgChannelSuccess,
			transport.MsgChannelFailure:
			id, ok := recipientChannelID(payload)
			if !ok {
				return nil
			}
			ch := conn.findChannel(id)
			if ch == nil {
				return nil // stray message for a channel we no longer track
			}
			return dispatchChannelMessage(ch, msgType, payload)
		case transport.MsgChannelOpenConfirmation, transport.MsgChannelOpenFailure:
			return nil // consumed synchronously by setupChannel's ReadUntil
		case transport.MsgKexInit:
			// The peer's KEXINIT is already stashed by the transport
			// (handlePayload), so Rekey's own KEXINIT exchange
			// resolves without another read — this no longer blocks
			// Step() waiting on a KEXINIT the peer already sent.
			return conn.tp.Rekey(time.Now().Add(30 * time.Second))
		default:
			return nil
		}
	}
}

// recipientChannelID extracts the uint32 recipient-channel field that
// leads every CHANNEL_* payload after its message-type byte.
func recipientChannelID(payload []byte) (uint32, bool) {
	if len(payload) < 5 {
		return 0, false
	}
	r := wire.NewReader(payload[1:])
	id, err := r.Uint32()
	if err != nil {
		return 0, false
	}
	return id, true
}

// dispatchChannelMessage applies one inbound channel message to the
// specific Channel it names.
func dispatchChannelMessage(ch *channel.Channel, msgType transport.MessageType, payload []byte) error {
	switch msgType {
	case transport.MsgChannelData:
		return ch.HandleData(payload)
	case transport.MsgChannelWindowAdjust:
		return ch.HandleWindowAdjust(payload)
	case transport.MsgChannelEOF:
		ch.HandleEOF()
		return nil
	case transport.MsgChannelClose:
		ch.HandleClose()
		return nil
	case transport.MsgChannelRequest:
		return handleChannelRequest(ch, payload)
	case transport.MsgChannelSuccess, transport.MsgChannelFailure:
		return nil
	default:
		return nil
	}
}

// handleChannelRequest inspects an inbound CHANNEL_REQUEST for the
// "exit-status" request the sendCmd completion contract watches for
// (spec.md §4.D); other server-initiated requests are ignored.
func handleChannelRequest(ch *channel.Channel, payload []byte) error {
	r := wire.NewReader(payload[1:])
	if _, err := r.Uint32(); err != nil { // recipient channel
		return err
	}
	requestType, err := r.UTF8()
	if err != nil {
		return err
	}
	if _, err := r.Bool(); err != nil { // want_reply
		return err
	}
	if requestType == "exit-status" {
		return ch.HandleExitStatus(r.Rest())
	}
	return nil
}

// loadPrivateKey parses a PEM-encoded private key file, trying raw
// PKCS1/PKCS8/OpenSSH formats via golang.org/x/crypto/ssh — the same
// external-collaborator boundary the teacher's loadPrivateKey used,
// generalized to surface the concrete key type the DSA/RSA/Ed25519
// signing paths in internal/transport switch on.
func loadPrivateKey(path string, passphrase []byte) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var key any
	if len(passphrase) > 0 {
		key, err = ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
	} else {
		key, err = ssh.ParseRawPrivateKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("goshell: parse private key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey, *dsa.PrivateKey:
		return k, nil
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("goshell: unsupported private key type %T", key)
	}
}
