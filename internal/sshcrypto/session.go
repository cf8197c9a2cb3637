// Package sshcrypto implements spec.md §4.B and §4.C's cryptographic
// engine: algorithm-agile key exchange, key derivation, per-direction
// encrypt/decrypt/MAC pipelines, and host signature verification.
package sshcrypto

import (
	"crypto/cipher"
	"fmt"
	"hash"
	"math/big"
	"sync"
)

// Negotiated holds the per-category algorithm names agreed for one
// KEX (initial or rekey).
type Negotiated struct {
	Kex         string
	HostKey     string
	CipherC2S   string
	CipherS2C   string
	MacC2S      string
	MacS2C      string
}

// DirectionContext is the Crypto Context for one direction (spec.md
// §3): a keyed cipher, a keyed MAC, and the block size padding
// calculations need. It is replaced atomically on rekey — Session
// swaps the pointer under its mutex, so a packet is never encrypted
// under one epoch's cipher and MAC'd under another's.
type DirectionContext struct {
	CipherName string
	MacName    string
	BlockSize  int
	MacSize    int

	encrypt cipher.BlockMode
	decrypt cipher.BlockMode
	mac     hash.Hash
}

// NewSendContext builds the Crypto Context a client encrypts and
// MACs outbound (c2s) traffic with.
func NewSendContext(cipherName, macName string, key, iv, macKey []byte) (*DirectionContext, error) {
	cs, err := LookupCipher(cipherName)
	if err != nil {
		return nil, err
	}
	enc, err := cs.NewEncrypter(key, iv)
	if err != nil {
		return nil, err
	}
	ms, err := LookupMac(macName)
	if err != nil {
		return nil, err
	}
	var macHash hash.Hash
	if ms.New != nil {
		macHash = ms.New(macKey)
	}
	return &DirectionContext{
		CipherName: cipherName, MacName: macName,
		BlockSize: enc.BlockSize(), MacSize: ms.DigestSize,
		encrypt: enc, mac: macHash,
	}, nil
}

// NewRecvContext builds the Crypto Context a client decrypts and
// verifies inbound (s2c) traffic with.
func NewRecvContext(cipherName, macName string, key, iv, macKey []byte) (*DirectionContext, error) {
	cs, err := LookupCipher(cipherName)
	if err != nil {
		return nil, err
	}
	dec, err := cs.NewDecrypter(key, iv)
	if err != nil {
		return nil, err
	}
	ms, err := LookupMac(macName)
	if err != nil {
		return nil, err
	}
	var macHash hash.Hash
	if ms.New != nil {
		macHash = ms.New(macKey)
	}
	return &DirectionContext{
		CipherName: cipherName, MacName: macName,
		BlockSize: dec.BlockSize(), MacSize: ms.DigestSize,
		decrypt: dec, mac: macHash,
	}, nil
}

// Session is the per-Connection state spec.md §3 describes: the
// negotiated algorithms, the exchange hash H (also the session id,
// fixed at the first KEX and never overwritten by a rekey), the
// shared secret K, and monotonically increasing sequence counters
// that never reset — including across rekeys.
type Session struct {
	// H is the exchange hash of the most recently completed KEX.
	H []byte
	// SessionID is H from the very first KEX; immutable thereafter.
	SessionID []byte
	K         *big.Int

	// mu guards every field below: Negotiated, the two Crypto
	// Contexts, KeysInstalled, and both sequence counters. A rekey
	// (InstallKeys) runs on the reactor goroutine while a caller
	// goroutine may concurrently be inside WithSend via Client.Send —
	// the swap must never be observable mid-transition, and the two
	// sequence counters must never be read or bumped outside this
	// lock, per SPEC_FULL.md §6.C.
	mu         sync.Mutex
	negotiated Negotiated

	sendSeq uint32
	recvSeq uint32

	send *DirectionContext
	recv *DirectionContext

	keysInstalled bool
}

// SetExchangeHash records a freshly computed H, fixing SessionID the
// first time this is called for the connection's lifetime.
func (s *Session) SetExchangeHash(h []byte) {
	s.H = h
	if s.SessionID == nil {
		s.SessionID = append([]byte(nil), h...)
	}
}

// SetNegotiated records the algorithm names agreed for the most recent KEX.
func (s *Session) SetNegotiated(n Negotiated) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.negotiated = n
}

// GetNegotiated returns the algorithm names agreed for the most recent KEX.
func (s *Session) GetNegotiated() Negotiated {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated
}

// InstallKeys atomically swaps in a new pair of Crypto Contexts,
// completing a KEX or rekey. Sequence numbers are left untouched —
// spec.md §3 requires they continue monotonically through rekeys. The
// swap happens under the same lock WithSend/WithRecv hold for the
// whole span of an encrypt-and-write or read-and-decrypt, so a packet
// is never encoded under one epoch's context and decoded (or MAC'd)
// under another's.
func (s *Session) InstallKeys(send, recv *DirectionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send = send
	s.recv = recv
	s.keysInstalled = true
}

// KeysInstalled reports whether a Crypto Context pair has been
// installed yet (false until the first KEX completes NEWKEYS).
func (s *Session) KeysInstalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysInstalled
}

// SendSeq returns the current outbound sequence number without
// advancing it (for callers, such as tests, that need to observe it).
func (s *Session) SendSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendSeq
}

// RecvSeq returns the current inbound sequence number without
// advancing it.
func (s *Session) RecvSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvSeq
}

// WithSend runs fn holding the session lock for its entire duration,
// passing the installed send Crypto Context and the sequence number
// to encode this packet with. fn's own cipher.BlockMode call (CBC
// chains state across packets, so encryption of successive packets
// must never interleave) and the sequence-number bump it earns on
// success both happen inside this one critical section — the lock is
// what keeps a concurrent rekey (InstallKeys, run from the reactor
// goroutine) from being observed mid-swap by a caller goroutine
// encoding a channel write at the same time.
func (s *Session) WithSend(fn func(ctx *DirectionContext, seq uint32) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.send == nil {
		return fmt.Errorf("sshcrypto: send context not installed")
	}
	if err := fn(s.send, s.sendSeq); err != nil {
		return err
	}
	s.sendSeq++
	return nil
}

// WithRecv is WithSend's mirror for the inbound direction.
func (s *Session) WithRecv(fn func(ctx *DirectionContext, seq uint32) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recv == nil {
		return fmt.Errorf("sshcrypto: recv context not installed")
	}
	if err := fn(s.recv, s.recvSeq); err != nil {
		return err
	}
	s.recvSeq++
	return nil
}
