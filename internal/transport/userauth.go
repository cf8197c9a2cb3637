package transport

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/goshell-project/goshell/internal/sshcrypto"
	"github.com/goshell-project/goshell/internal/wire"
)

// ErrAuthFailed is returned when the server responds with
// USERAUTH_FAILURE.
var ErrAuthFailed = fmt.Errorf("transport: authentication rejected")

// RequestUserAuthService sends SERVICE_REQUEST "ssh-userauth" and
// waits for SERVICE_ACCEPT, per spec.md §4.C's Authenticated
// transition.
func (t *Transport) RequestUserAuthService() error {
	req := wire.NewWriter().Byte(byte(MsgServiceRequest)).UTF8("ssh-userauth").Bytes()
	if err := t.WritePacket(req); err != nil {
		return err
	}
	payload, err := t.ReadPacket()
	if err != nil {
		return err
	}
	if len(payload) == 0 || MessageType(payload[0]) != MsgServiceAccept {
		return newFatal(KindAuth, fmt.Errorf("transport: expected SERVICE_ACCEPT, got %v", payload))
	}
	return nil
}

// AuthenticatePassword runs the "password" userauth method (spec.md
// §4.C, §6.D — publickey plus password).
func (t *Transport) AuthenticatePassword(user, password string) error {
	req := wire.NewWriter().
		Byte(byte(MsgUserAuthRequest)).
		UTF8(user).
		UTF8("ssh-connection").
		UTF8("password").
		Bool(false).
		UTF8(password).
		Bytes()
	if err := t.WritePacket(req); err != nil {
		return err
	}
	return t.awaitAuthOutcome()
}

// AuthenticatePublicKey runs the "publickey" userauth method: probe
// with sig=false expecting USERAUTH_PK_OK, then a signed request with
// sig=true, per spec.md §4.C.
//
// key may be *rsa.PrivateKey, *dsa.PrivateKey or ed25519.PrivateKey —
// the full host-key menu (dss/rsa) plus ed25519, a supplemented method
// per SPEC_FULL.md §6.D.
func (t *Transport) AuthenticatePublicKey(user string, key any) error {
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return newFatal(KindAuth, fmt.Errorf("transport: unsupported key type: %w", err))
	}
	algoName := signer.PublicKey().Type()
	pubBlob := signer.PublicKey().Marshal()

	probe := wire.NewWriter().
		Byte(byte(MsgUserAuthRequest)).
		UTF8(user).
		UTF8("ssh-connection").
		UTF8("publickey").
		Bool(false).
		UTF8(algoName).
		String(pubBlob).
		Bytes()
	if err := t.WritePacket(probe); err != nil {
		return err
	}
	payload, err := t.ReadPacket()
	if err != nil {
		return err
	}
	if len(payload) == 0 || MessageType(payload[0]) != MsgUserAuthPKOK {
		return newFatal(KindAuth, fmt.Errorf("transport: server rejected key algorithm %q", algoName))
	}

	signedFields := wire.NewWriter().
		String(t.session.SessionID).
		Byte(byte(MsgUserAuthRequest)).
		UTF8(user).
		UTF8("ssh-connection").
		UTF8("publickey").
		Bool(true).
		UTF8(algoName).
		String(pubBlob).
		Bytes()

	sigAlgo, sigBlob, err := sshcrypto.SignExchangeHash(key, signedFields)
	if err != nil {
		return newFatal(KindAuth, err)
	}
	sigField := wire.NewWriter().UTF8(sigAlgo).String(sigBlob).Bytes()

	req := wire.NewWriter().
		Byte(byte(MsgUserAuthRequest)).
		UTF8(user).
		UTF8("ssh-connection").
		UTF8("publickey").
		Bool(true).
		UTF8(algoName).
		String(pubBlob).
		String(sigField).
		Bytes()
	if err := t.WritePacket(req); err != nil {
		return err
	}
	return t.awaitAuthOutcome()
}

// awaitAuthOutcome reads packets until USERAUTH_SUCCESS or
// USERAUTH_FAILURE, tolerating an interleaved USERAUTH_BANNER.
func (t *Transport) awaitAuthOutcome() error {
	for {
		payload, err := t.ReadPacket()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			return newFatal(KindProtocol, fmt.Errorf("transport: empty userauth response"))
		}
		switch MessageType(payload[0]) {
		case MsgUserAuthSuccess:
			return nil
		case MsgUserAuthFailure:
			return newFatal(KindAuth, ErrAuthFailed)
		case MsgUserAuthBanner:
			continue
		default:
			return newFatal(KindProtocol, fmt.Errorf("transport: unexpected message %d during userauth", payload[0]))
		}
	}
}
