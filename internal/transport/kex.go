package transport

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/goshell-project/goshell/internal/algo"
	"github.com/goshell-project/goshell/internal/sshcrypto"
	"github.com/goshell-project/goshell/internal/wire"
)

// buildKexInit serializes a KEXINIT payload for menu, with a fresh
// 16-byte random cookie, per spec.md §4.C: first_kex_packet_follows is
// always false, reserved is always 0.
func buildKexInit(menu algo.Menu, rng io.Reader) ([]byte, error) {
	cookie := make([]byte, 16)
	if _, err := io.ReadFull(rng, cookie); err != nil {
		return nil, err
	}
	w := wire.NewWriter()
	w.Byte(byte(MsgKexInit))
	w.Raw(cookie)
	w.NameList(menu.Kex)
	w.NameList(menu.HostKey)
	w.NameList(menu.CipherC2S)
	w.NameList(menu.CipherS2C)
	w.NameList(menu.MacC2S)
	w.NameList(menu.MacS2C)
	w.NameList(menu.CompressionC2S)
	w.NameList(menu.CompressionS2C)
	w.NameList(nil) // languages c2s
	w.NameList(nil) // languages s2c
	w.Bool(false)   // first_kex_packet_follows
	w.Uint32(0)     // reserved
	return w.Bytes(), nil
}

// parseKexInit decodes a peer's KEXINIT payload into a Menu of the
// offered name-lists.
func parseKexInit(payload []byte) (algo.Menu, error) {
	r := wire.NewReader(payload)
	msgType, err := r.Byte()
	if err != nil {
		return algo.Menu{}, err
	}
	if MessageType(msgType) != MsgKexInit {
		return algo.Menu{}, fmt.Errorf("transport: expected KEXINIT, got message %d", msgType)
	}
	if _, err := r.Raw(16); err != nil { // cookie
		return algo.Menu{}, err
	}
	var m algo.Menu
	fields := []*[]string{
		&m.Kex, &m.HostKey, &m.CipherC2S, &m.CipherS2C,
		&m.MacC2S, &m.MacS2C, &m.CompressionC2S, &m.CompressionS2C,
	}
	for _, f := range fields {
		list, err := r.NameList()
		if err != nil {
			return algo.Menu{}, err
		}
		*f = list
	}
	// languages c2s/s2c, first_kex_packet_follows, reserved: ignored.
	return m, nil
}

// negotiate runs Agree over every category, returning the crypto
// engine's Negotiated set.
func negotiate(local, remote algo.Menu) (sshcrypto.Negotiated, error) {
	var n sshcrypto.Negotiated
	var err error
	if n.Kex, err = algo.Agree("kex", local.Kex, remote.Kex); err != nil {
		return n, err
	}
	if n.HostKey, err = algo.Agree("host-key", local.HostKey, remote.HostKey); err != nil {
		return n, err
	}
	if n.CipherC2S, err = algo.Agree("cipher-c2s", local.CipherC2S, remote.CipherC2S); err != nil {
		return n, err
	}
	if n.CipherS2C, err = algo.Agree("cipher-s2c", local.CipherS2C, remote.CipherS2C); err != nil {
		return n, err
	}
	if n.MacC2S, err = algo.Agree("mac-c2s", local.MacC2S, remote.MacC2S); err != nil {
		return n, err
	}
	if n.MacS2C, err = algo.Agree("mac-s2c", local.MacS2C, remote.MacS2C); err != nil {
		return n, err
	}
	if _, err = algo.Agree("compression-c2s", local.CompressionC2S, remote.CompressionC2S); err != nil {
		return n, err
	}
	if _, err = algo.Agree("compression-s2c", local.CompressionS2C, remote.CompressionS2C); err != nil {
		return n, err
	}
	return n, nil
}

// buildKexDHInit serializes KEXDH_INIT{e}.
func buildKexDHInit(e *big.Int) []byte {
	w := wire.NewWriter()
	w.Byte(byte(MsgKexDHInit))
	w.MPInt(e)
	return w.Bytes()
}

// kexDHReply is a parsed KEXDH_REPLY{K_S, f, sig} payload.
type kexDHReply struct {
	HostKeyBlob []byte
	F           *big.Int
	SigBlob     []byte
}

func parseKexDHReply(payload []byte) (*kexDHReply, error) {
	r := wire.NewReader(payload)
	msgType, err := r.Byte()
	if err != nil {
		return nil, err
	}
	if MessageType(msgType) != MsgKexDHReply {
		return nil, fmt.Errorf("transport: expected KEXDH_REPLY, got message %d", msgType)
	}
	hostKeyBlob, err := r.String()
	if err != nil {
		return nil, err
	}
	f, err := r.MPInt()
	if err != nil {
		return nil, err
	}
	sigBlob, err := r.String()
	if err != nil {
		return nil, err
	}
	return &kexDHReply{HostKeyBlob: hostKeyBlob, F: f, SigBlob: sigBlob}, nil
}

// randomPadding is the sshcrypto padding source used for every framed
// packet this transport writes.
func randomPadding(rng io.Reader) func(n int) ([]byte, error) {
	return func(n int) ([]byte, error) {
		buf := make([]byte, n)
		if rng == nil {
			rng = rand.Reader
		}
		if _, err := io.ReadFull(rng, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
}
