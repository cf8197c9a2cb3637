// Package transport implements the SSH-2 client transport state
// machine: version exchange, KEXINIT negotiation, Diffie-Hellman key
// exchange, rekeying, the binary packet protocol, and userauth. It is
// spec.md §4.C in full.
package transport

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/goshell-project/goshell/internal/algo"
	"github.com/goshell-project/goshell/internal/sshcrypto"
)

// rekeyByteLimit and rekeyInterval are the two independent rekey
// triggers spec.md §4.C names: whichever fires first wins.
const (
	rekeyByteLimit = 1 << 30 // 1 GiB
	rekeyInterval  = time.Hour
)

// ChannelDispatch is invoked from Step for every inbound message the
// transport does not consume itself: CHANNEL_*, USERAUTH_* (post-auth
// banner), any other code without its own case, and KEXINIT (a
// peer-initiated rekey, stashed first for runKex). DISCONNECT, IGNORE,
// DEBUG, UNIMPLEMENTED and GLOBAL_REQUEST are handled by the transport
// and never reach it. The Channel Layer owner supplies this.
type ChannelDispatch func(msgType MessageType, payload []byte) error

// Transport owns one socket and drives it through the SSH-2 handshake
// and framed packet exchange described in spec.md §4.C.
type Transport struct {
	conn net.Conn
	rng  io.Reader
	log  *logrus.Entry

	localMenu algo.Menu
	session   *sshcrypto.Session
	state     ConnState

	clientVersion []byte
	serverVersion []byte
	clientKexInit []byte
	serverKexInit []byte
	hostKeyBlob   []byte

	// pendingServerKexInit holds a peer KEXINIT observed by
	// handlePayload's MsgKexInit case (a rekey the peer initiated)
	// before runKex has had a chance to consume it. runKex checks this
	// instead of unconditionally reading: the peer has already sent
	// its KEXINIT and is waiting for ours plus KEXDH_INIT next, so
	// reading again here would block until the peer's own read
	// deadline fires.
	pendingServerKexInit []byte
	kexKeyPair    *sshcrypto.KexKeyPair

	bytesSent uint64
	bytesRecv uint64
	lastRekey time.Time

	// Dispatch receives every message this transport does not consume
	// itself (mainly CHANNEL_* traffic once Authenticated).
	Dispatch ChannelDispatch
}

// New constructs a Transport over an already-dialed conn. rng, if
// nil, defaults to crypto/rand.Reader.
func New(conn net.Conn, menu algo.Menu, rng io.Reader, log *logrus.Entry) *Transport {
	if rng == nil {
		rng = rand.Reader
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		conn:      conn,
		rng:       rng,
		log:       log,
		localMenu: menu,
		session:   &sshcrypto.Session{},
		state:     StateIdle,
	}
}

// State returns the transport's current lifecycle state.
func (t *Transport) State() ConnState { return t.state }

// SessionID returns the connection's immutable session id (the first
// exchange hash H computed), or nil before the first KEX completes.
func (t *Transport) SessionID() []byte { return t.session.SessionID }

// HostKeyBlob returns the host-key blob observed during the most
// recent KEX, for caller-side trust decisions (spec.md §4.B: "the
// core exposes the host-key blob for display").
func (t *Transport) HostKeyBlob() []byte { return t.hostKeyBlob }

// Handshake drives Idle all the way through NewKeysSent: version
// exchange, KEXINIT, KEXDH_INIT/REPLY, NEWKEYS. deadline bounds the
// whole handshake.
func (t *Transport) Handshake(deadline time.Time) error {
	serverVersion, err := exchangeVersions(t.conn, deadline)
	if err != nil {
		return err
	}
	t.clientVersion = []byte(ClientVersion)
	t.serverVersion = serverVersion
	t.state = StateVersionExchanged
	t.log.WithField("server_version", string(serverVersion)).Debug("version exchange complete")

	if err := t.conn.SetDeadline(deadline); err != nil {
		return err
	}
	if err := t.runKex(); err != nil {
		return err
	}
	t.state = StateAuthenticated
	return t.conn.SetDeadline(time.Time{})
}

// runKex performs one full key exchange (initial or rekey): builds and
// exchanges KEXINIT, negotiates algorithms, does group-DH, verifies
// the host signature, computes and installs new Crypto Contexts.
func (t *Transport) runKex() error {
	payload, err := buildKexInit(t.localMenu, t.rng)
	if err != nil {
		return newFatal(KindCrypto, err)
	}
	t.clientKexInit = payload
	if err := t.writePlainOrEncrypted(payload); err != nil {
		return err
	}
	t.state = StateKexInitSent

	var serverPayload []byte
	if t.pendingServerKexInit != nil {
		serverPayload = t.pendingServerKexInit
		t.pendingServerKexInit = nil
	} else {
		serverPayload, err = t.readPlainOrEncrypted()
		if err != nil {
			return err
		}
	}
	t.serverKexInit = serverPayload

	remoteMenu, err := parseKexInit(serverPayload)
	if err != nil {
		return newFatal(KindProtocol, err)
	}
	negotiated, err := negotiate(t.localMenu, remoteMenu)
	if err != nil {
		return newFatal(KindCrypto, err)
	}
	t.session.SetNegotiated(negotiated)
	t.log.WithFields(logrus.Fields{
		"kex": negotiated.Kex, "hostkey": negotiated.HostKey,
		"cipher_c2s": negotiated.CipherC2S, "cipher_s2c": negotiated.CipherS2C,
		"mac_c2s": negotiated.MacC2S, "mac_s2c": negotiated.MacS2C,
	}).Info("algorithms negotiated")

	kp, err := sshcrypto.GenerateKexKeyPair(negotiated.Kex, t.rng)
	if err != nil {
		return newFatal(KindCrypto, err)
	}
	t.kexKeyPair = kp

	if err := t.writePlainOrEncrypted(buildKexDHInit(kp.Public)); err != nil {
		return err
	}
	t.state = StateKexDHSent

	replyPayload, err := t.readPlainOrEncrypted()
	if err != nil {
		return err
	}
	reply, err := parseKexDHReply(replyPayload)
	if err != nil {
		return newFatal(KindProtocol, err)
	}
	t.hostKeyBlob = reply.HostKeyBlob

	K := kp.SharedSecret(reply.F)
	H := sshcrypto.ComputeExchangeHash(sshcrypto.ExchangeHashInput{
		ClientVersion: t.clientVersion,
		ServerVersion: t.serverVersion,
		ClientKexInit: t.clientKexInit,
		ServerKexInit: t.serverKexInit,
		ServerHostKey: reply.HostKeyBlob,
		ClientPublic:  kp.Public,
		ServerPublic:  reply.F,
		SharedSecret:  K,
	})

	if err := sshcrypto.VerifyHostSignature(negotiated.HostKey, reply.HostKeyBlob, reply.SigBlob, H); err != nil {
		return newFatal(KindCrypto, err)
	}

	t.session.K = K
	t.session.SetExchangeHash(H)

	if err := t.writePlainOrEncrypted([]byte{byte(MsgNewKeys)}); err != nil {
		return err
	}
	t.state = StateNewKeysSent

	newKeysPayload, err := t.readPlainOrEncrypted()
	if err != nil {
		return err
	}
	if len(newKeysPayload) == 0 || MessageType(newKeysPayload[0]) != MsgNewKeys {
		return newFatal(KindProtocol, fmt.Errorf("transport: expected NEWKEYS, got %v", newKeysPayload))
	}

	sessionID := t.session.SessionID
	sendIVID, recvIVID := byte('A'), byte('B')
	sendKeyID, recvKeyID := byte('C'), byte('D')
	sendMacID, recvMacID := byte('E'), byte('F')

	sendCipher, err := sshcrypto.LookupCipher(negotiated.CipherC2S)
	if err != nil {
		return newFatal(KindCrypto, err)
	}
	recvCipher, err := sshcrypto.LookupCipher(negotiated.CipherS2C)
	if err != nil {
		return newFatal(KindCrypto, err)
	}
	sendMac, err := sshcrypto.LookupMac(negotiated.MacC2S)
	if err != nil {
		return newFatal(KindCrypto, err)
	}
	recvMac, err := sshcrypto.LookupMac(negotiated.MacS2C)
	if err != nil {
		return newFatal(KindCrypto, err)
	}

	sendIV := sshcrypto.DeriveKey(K, H, sessionID, sendIVID, sendCipher.IVSize)
	recvIV := sshcrypto.DeriveKey(K, H, sessionID, recvIVID, recvCipher.IVSize)
	sendKey := sshcrypto.DeriveKey(K, H, sessionID, sendKeyID, sendCipher.KeySize)
	recvKey := sshcrypto.DeriveKey(K, H, sessionID, recvKeyID, recvCipher.KeySize)
	sendMacKey := sshcrypto.DeriveKey(K, H, sessionID, sendMacID, sendMac.KeySize)
	recvMacKey := sshcrypto.DeriveKey(K, H, sessionID, recvMacID, recvMac.KeySize)

	sendCtx, err := sshcrypto.NewSendContext(negotiated.CipherC2S, negotiated.MacC2S, sendKey, sendIV, sendMacKey)
	if err != nil {
		return newFatal(KindCrypto, err)
	}
	recvCtx, err := sshcrypto.NewRecvContext(negotiated.CipherS2C, negotiated.MacS2C, recvKey, recvIV, recvMacKey)
	if err != nil {
		return newFatal(KindCrypto, err)
	}
	t.session.InstallKeys(sendCtx, recvCtx)

	t.lastRekey = time.Now()
	t.bytesSent = 0
	t.bytesRecv = 0
	return nil
}

// writePlainOrEncrypted frames payload using the plaintext codec until
// keys are installed, then switches to the encrypted codec — the same
// path serves the initial handshake and every rekey's KEXINIT/KEXDH
// exchange, which travels over whichever context is currently active.
func (t *Transport) writePlainOrEncrypted(payload []byte) error {
	if !t.session.KeysInstalled() {
		if err := sshcrypto.WritePlainPacket(t.conn, payload, randomPadding(t.rng)); err != nil {
			return newFatal(KindNetwork, err)
		}
		return nil
	}
	return t.WritePacket(payload)
}

func (t *Transport) readPlainOrEncrypted() ([]byte, error) {
	if !t.session.KeysInstalled() {
		payload, err := sshcrypto.ReadPlainPacket(t.conn)
		if err != nil {
			return nil, newFatal(KindNetwork, err)
		}
		return payload, nil
	}
	return t.ReadPacket()
}

// WritePacket encrypts and writes one payload using the currently
// installed send Crypto Context, incrementing the send sequence
// counter and the rekey byte counter.
func (t *Transport) WritePacket(payload []byte) error {
	err := t.session.WithSend(func(ctx *sshcrypto.DirectionContext, seq uint32) error {
		wire, encErr := sshcrypto.EncryptPacket(ctx, seq, payload, randomPadding(t.rng))
		if encErr != nil {
			return newFatal(KindCrypto, encErr)
		}
		if _, writeErr := t.conn.Write(wire); writeErr != nil {
			return newFatal(KindNetwork, writeErr)
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return err
		}
		return newFatal(KindMisuse, err)
	}
	t.bytesSent += uint64(len(payload))
	return nil
}

// ReadPacket decrypts and returns one payload using the currently
// installed recv Crypto Context, incrementing the receive sequence
// counter and the rekey byte counter. A MAC mismatch is fatal
// (KindCrypto) per spec.md §4.B.
func (t *Transport) ReadPacket() ([]byte, error) {
	var payload []byte
	err := t.session.WithRecv(func(ctx *sshcrypto.DirectionContext, seq uint32) error {
		p, decErr := sshcrypto.DecryptPacket(ctx, seq, t.conn)
		if decErr != nil {
			if decErr == sshcrypto.ErrMacMismatch {
				return newFatal(KindCrypto, decErr)
			}
			return newFatal(KindNetwork, decErr)
		}
		payload = p
		return nil
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, newFatal(KindMisuse, err)
	}
	t.bytesRecv += uint64(len(payload))
	return payload, nil
}

// ReadUntil reads and applies transport-layer housekeeping (IGNORE,
// DEBUG, UNIMPLEMENTED, GLOBAL_REQUEST) to every packet until one
// satisfies match, which it returns unconsumed by housekeeping. Used
// during synchronous phases (channel open, mode setup) that happen
// before a Connection is handed to the reactor's Step-driven polling.
func (t *Transport) ReadUntil(match func(MessageType) bool) ([]byte, error) {
	for {
		payload, err := t.ReadPacket()
		if err != nil {
			return nil, err
		}
		if len(payload) == 0 {
			return nil, newFatal(KindProtocol, fmt.Errorf("transport: empty payload"))
		}
		msgType := MessageType(payload[0])
		if match(msgType) {
			return payload, nil
		}
		switch msgType {
		case MsgDisconnect:
			return nil, newFatal(KindNetwork, fmt.Errorf("transport: peer sent DISCONNECT: %s", disconnectReason(payload)))
		case MsgIgnore, MsgDebug, MsgUnimplemented:
			continue
		case MsgGlobalRequest:
			wantReply := len(payload) > 5 && payload[len(payload)-1] != 0
			if wantReply {
				if err := t.WritePacket([]byte{byte(MsgRequestFailure)}); err != nil {
					return nil, err
				}
			}
		default:
			return nil, newFatal(KindProtocol, fmt.Errorf("transport: unexpected message %d while awaiting a match", msgType))
		}
	}
}

// NeedsRekey reports whether either rekey trigger (1 GiB per
// direction, or one hour elapsed) has fired.
func (t *Transport) NeedsRekey() bool {
	if t.bytesSent >= rekeyByteLimit || t.bytesRecv >= rekeyByteLimit {
		return true
	}
	return time.Since(t.lastRekey) >= rekeyInterval
}

// Rekey runs a fresh KEX over the established transport, bounded by
// deadline. Channel data must be queued by the caller for the
// duration — this method only drives the transport-layer exchange.
func (t *Transport) Rekey(deadline time.Time) error {
	if err := t.conn.SetDeadline(deadline); err != nil {
		return newFatal(KindNetwork, err)
	}
	defer t.conn.SetDeadline(time.Time{})

	t.state = StateRekeying
	if err := t.runKex(); err != nil {
		return err
	}
	t.state = StateAuthenticated
	return nil
}

// Step reads and dispatches at most one inbound packet, bounded by
// deadline. It is the idiomatic-Go substitute for spec.md §4.E's
// select()-driven reactor step: net.Conn exposes no raw fd to
// multiplex with select(2), so each Transport is instead polled with
// a bounded read deadline (see SPEC_FULL.md §6.D). A deadline with no
// data available returns (nil) promptly, never blocking past it.
func (t *Transport) Step(deadline time.Time) error {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return newFatal(KindNetwork, err)
	}
	payload, err := t.ReadPacket()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		if te, ok := err.(*Error); ok {
			if ne, ok := te.Err.(net.Error); ok && ne.Timeout() {
				return nil
			}
		}
		return err
	}
	return t.handlePayload(payload)
}

// handlePayload implements spec.md §4.C's dispatch table.
func (t *Transport) handlePayload(payload []byte) error {
	if len(payload) == 0 {
		return newFatal(KindProtocol, fmt.Errorf("transport: empty payload"))
	}
	msgType := MessageType(payload[0])
	switch msgType {
	case MsgDisconnect:
		return newFatal(KindNetwork, fmt.Errorf("transport: peer sent DISCONNECT: %s", disconnectReason(payload)))
	case MsgIgnore:
		return nil
	case MsgUnimplemented:
		t.log.Debug("peer sent UNIMPLEMENTED")
		return nil
	case MsgDebug:
		t.log.WithField("debug", string(payload[1:])).Debug("peer DEBUG message")
		return nil
	case MsgKexInit:
		// Peer-initiated rekey: the caller's reactor should call Rekey()
		// after observing this via Dispatch. Stash the payload so
		// runKex picks it up instead of trying to read a second
		// KEXINIT the peer will never send.
		t.pendingServerKexInit = payload
		return t.dispatch(msgType, payload)
	case MsgGlobalRequest:
		wantReply := len(payload) > 5 && payload[len(payload)-1] != 0
		if wantReply {
			w := []byte{byte(MsgRequestFailure)}
			if err := t.WritePacket(w); err != nil {
				return err
			}
		}
		return nil
	default:
		return t.dispatch(msgType, payload)
	}
}

func (t *Transport) dispatch(msgType MessageType, payload []byte) error {
	if t.Dispatch == nil {
		return nil
	}
	return t.Dispatch(msgType, payload)
}

func disconnectReason(payload []byte) string {
	if len(payload) < 5 {
		return "unknown"
	}
	return fmt.Sprintf("code=%d", payload[1])
}

// Close sends DISCONNECT (if keys are installed) and closes the
// socket, per spec.md §4.C's Closing transition.
func (t *Transport) Close(reasonCode uint32, message string) error {
	if t.state == StateClosed {
		return nil
	}
	if t.session.KeysInstalled() && t.state != StateClosing {
		w := make([]byte, 0, 32)
		w = append(w, byte(MsgDisconnect))
		var lenBuf [4]byte
		putUint32(lenBuf[:], reasonCode)
		w = append(w, lenBuf[:]...)
		putUint32(lenBuf[:], uint32(len(message)))
		w = append(w, lenBuf[:]...)
		w = append(w, message...)
		putUint32(lenBuf[:], 0) // language tag
		w = append(w, lenBuf[:]...)
		_ = t.WritePacket(w)
	}
	t.state = StateClosed
	return t.conn.Close()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
