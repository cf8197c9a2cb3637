package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/goshell-project/goshell/internal/algo"
	"github.com/goshell-project/goshell/internal/sshcrypto"
	"github.com/goshell-project/goshell/internal/wire"
)

// This file is the net.Pipe-based fake server the top-level integration
// tests need: enough of the server side of the handshake to complete a
// real KEX with a real Transport client, so the reactor-facing bugs
// (peer-initiated rekey, MAC handling) can be exercised end to end
// instead of only unit-tested piecemeal. Every mockSession method
// reports failures by returning an error rather than calling into
// *testing.T, so it is safe to drive from a background goroutine.

// mockHostKey is the fake server's ssh-rsa host key.
type mockHostKey struct {
	priv *rsa.PrivateKey
	pub  []byte
}

func generateMockHostKey() (*mockHostKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, err
	}
	return &mockHostKey{priv: key, pub: signer.PublicKey().Marshal()}, nil
}

func newMockHostKey(t *testing.T) *mockHostKey {
	t.Helper()
	key, err := generateMockHostKey()
	require.NoError(t, err)
	return key
}

// mockServerMenu offers exactly one algorithm per category so
// negotiation always lands on a known, fixed set regardless of which
// menu the client under test offers.
func mockServerMenu() algo.Menu {
	return algo.Menu{
		Kex:            []string{"diffie-hellman-group14-sha1"},
		HostKey:        []string{"ssh-rsa"},
		CipherC2S:      []string{"aes128-cbc"},
		CipherS2C:      []string{"aes128-cbc"},
		MacC2S:         []string{"hmac-sha1"},
		MacS2C:         []string{"hmac-sha1"},
		CompressionC2S: []string{"none"},
		CompressionS2C: []string{"none"},
	}
}

// mockSession is the fake server's half of one connection: enough
// state to run an initial KEX and any number of rekeys against a real
// client Transport on the other end of a net.Pipe.
type mockSession struct {
	conn    net.Conn
	hostKey *mockHostKey
	rng     deterministicRNG

	clientVersion []byte
	serverVersion []byte
	clientKexInit []byte
	serverKexInit []byte
	sessionID     []byte

	send    *sshcrypto.DirectionContext
	recv    *sshcrypto.DirectionContext
	sendSeq uint32
	recvSeq uint32
}

func newMockSession(conn net.Conn, hostKey *mockHostKey) *mockSession {
	return &mockSession{conn: conn, hostKey: hostKey}
}

func (m *mockSession) writeFramed(payload []byte) error {
	if m.send == nil {
		return sshcrypto.WritePlainPacket(m.conn, payload, randomPadding(m.rng))
	}
	wire, err := sshcrypto.EncryptPacket(m.send, m.sendSeq, payload, randomPadding(m.rng))
	if err != nil {
		return err
	}
	if _, err := m.conn.Write(wire); err != nil {
		return err
	}
	m.sendSeq++
	return nil
}

func (m *mockSession) readFramed() ([]byte, error) {
	if m.recv == nil {
		return sshcrypto.ReadPlainPacket(m.conn)
	}
	payload, err := sshcrypto.DecryptPacket(m.recv, m.recvSeq, m.conn)
	if err != nil {
		return nil, err
	}
	m.recvSeq++
	return payload, nil
}

// exchangeVersionLines plays the server side of version exchange:
// read the client's line, then send the server's.
func (m *mockSession) exchangeVersionLines() error {
	line, err := readRawLine(m.conn)
	if err != nil {
		return err
	}
	m.clientVersion = line
	m.serverVersion = []byte("SSH-2.0-goshell-mock")
	_, err = m.conn.Write(append(append([]byte{}, m.serverVersion...), "\r\n"...))
	return err
}

func readRawLine(conn net.Conn) ([]byte, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return nil, err
		}
		if buf[0] == '\n' {
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			return line, nil
		}
		line = append(line, buf[0])
	}
}

// runKexRound performs one full KEX (initial or rekey) as the server.
// When serverInitiated is true, the server's KEXINIT goes out first
// (unprompted, i.e. a peer-initiated rekey from the client's point of
// view); otherwise the server waits for the client's KEXINIT first, as
// in a normal client-driven handshake.
func (m *mockSession) runKexRound(serverInitiated bool) (sshcrypto.Negotiated, error) {
	var n sshcrypto.Negotiated
	serverKexInitPayload, err := buildKexInit(mockServerMenu(), m.rng)
	if err != nil {
		return n, err
	}

	var clientKexInitPayload []byte
	if serverInitiated {
		if err := m.writeFramed(serverKexInitPayload); err != nil {
			return n, err
		}
		m.serverKexInit = serverKexInitPayload
		if clientKexInitPayload, err = m.readFramed(); err != nil {
			return n, err
		}
	} else {
		if clientKexInitPayload, err = m.readFramed(); err != nil {
			return n, err
		}
		if err := m.writeFramed(serverKexInitPayload); err != nil {
			return n, err
		}
		m.serverKexInit = serverKexInitPayload
	}
	m.clientKexInit = clientKexInitPayload

	clientMenu, err := parseKexInit(clientKexInitPayload)
	if err != nil {
		return n, err
	}
	negotiated, err := negotiate(mockServerMenu(), clientMenu)
	if err != nil {
		return n, err
	}

	dhInitPayload, err := m.readFramed()
	if err != nil {
		return n, err
	}
	r := wire.NewReader(dhInitPayload)
	if _, err := r.Byte(); err != nil {
		return n, err
	}
	e, err := r.MPInt()
	if err != nil {
		return n, err
	}

	kp, err := sshcrypto.GenerateKexKeyPair(negotiated.Kex, m.rng)
	if err != nil {
		return n, err
	}
	K := kp.SharedSecret(e)

	H := sshcrypto.ComputeExchangeHash(sshcrypto.ExchangeHashInput{
		ClientVersion: m.clientVersion,
		ServerVersion: m.serverVersion,
		ClientKexInit: m.clientKexInit,
		ServerKexInit: m.serverKexInit,
		ServerHostKey: m.hostKey.pub,
		ClientPublic:  e,
		ServerPublic:  kp.Public,
		SharedSecret:  K,
	})
	if m.sessionID == nil {
		m.sessionID = append([]byte(nil), H...)
	}

	sigAlgo, sigBlob, err := sshcrypto.SignExchangeHash(m.hostKey.priv, H)
	if err != nil {
		return n, err
	}
	sigField := wire.NewWriter().UTF8(sigAlgo).String(sigBlob).Bytes()
	reply := wire.NewWriter().
		Byte(byte(MsgKexDHReply)).
		String(m.hostKey.pub).
		MPInt(kp.Public).
		String(sigField).
		Bytes()
	if err := m.writeFramed(reply); err != nil {
		return n, err
	}

	clientNewKeys, err := m.readFramed()
	if err != nil {
		return n, err
	}
	if len(clientNewKeys) == 0 || MessageType(clientNewKeys[0]) != MsgNewKeys {
		return n, fmt.Errorf("mock server: expected NEWKEYS, got %v", clientNewKeys)
	}
	if err := m.writeFramed([]byte{byte(MsgNewKeys)}); err != nil {
		return n, err
	}

	if err := m.installKeys(K, H, negotiated); err != nil {
		return n, err
	}
	return negotiated, nil
}

// installKeys derives both direction contexts from the server's point
// of view: send uses the *2C key IDs, recv uses the C2* ones — the
// mirror image of the client's own derivation in runKex. Sequence
// counters are left running, matching InstallKeys' contract that
// rekeys never reset them.
func (m *mockSession) installKeys(K *big.Int, H []byte, negotiated sshcrypto.Negotiated) error {
	sendCipher, err := sshcrypto.LookupCipher(negotiated.CipherS2C)
	if err != nil {
		return err
	}
	recvCipher, err := sshcrypto.LookupCipher(negotiated.CipherC2S)
	if err != nil {
		return err
	}
	sendMac, err := sshcrypto.LookupMac(negotiated.MacS2C)
	if err != nil {
		return err
	}
	recvMac, err := sshcrypto.LookupMac(negotiated.MacC2S)
	if err != nil {
		return err
	}

	sendIV := sshcrypto.DeriveKey(K, H, m.sessionID, 'B', sendCipher.IVSize)
	recvIV := sshcrypto.DeriveKey(K, H, m.sessionID, 'A', recvCipher.IVSize)
	sendKey := sshcrypto.DeriveKey(K, H, m.sessionID, 'D', sendCipher.KeySize)
	recvKey := sshcrypto.DeriveKey(K, H, m.sessionID, 'C', recvCipher.KeySize)
	sendMacKey := sshcrypto.DeriveKey(K, H, m.sessionID, 'F', sendMac.KeySize)
	recvMacKey := sshcrypto.DeriveKey(K, H, m.sessionID, 'E', recvMac.KeySize)

	sendCtx, err := sshcrypto.NewSendContext(negotiated.CipherS2C, negotiated.MacS2C, sendKey, sendIV, sendMacKey)
	if err != nil {
		return err
	}
	recvCtx, err := sshcrypto.NewRecvContext(negotiated.CipherC2S, negotiated.MacC2S, recvKey, recvIV, recvMacKey)
	if err != nil {
		return err
	}

	m.send = sendCtx
	m.recv = recvCtx
	return nil
}

// runMockHandshake drives the server side of the initial handshake and
// returns once both sides have installed keys.
func runMockHandshake(conn net.Conn, hostKey *mockHostKey) (*mockSession, error) {
	m := newMockSession(conn, hostKey)
	if err := m.exchangeVersionLines(); err != nil {
		return nil, err
	}
	if _, err := m.runKexRound(false); err != nil {
		return nil, err
	}
	return m, nil
}

// dialHandshakingPair runs a client Transport against a background
// mock server goroutine over a fresh net.Pipe and returns once both
// sides finish, reporting either side's failure as a plain error so it
// is safe to call from a non-test goroutine.
func dialHandshakingPair(t *testing.T, hostKey *mockHostKey) (*Transport, *mockSession, net.Conn, error) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	type result struct {
		mock *mockSession
		err  error
	}
	serverResult := make(chan result, 1)
	go func() {
		mock, err := runMockHandshake(serverConn, hostKey)
		serverResult <- result{mock, err}
	}()

	tp := New(clientConn, algo.Default(), nil, nil)
	handshakeErr := tp.Handshake(time.Now().Add(5 * time.Second))
	res := <-serverResult
	if res.err != nil {
		return tp, res.mock, serverConn, fmt.Errorf("mock server handshake: %w", res.err)
	}
	if handshakeErr != nil {
		return tp, res.mock, serverConn, fmt.Errorf("client handshake: %w", handshakeErr)
	}
	return tp, res.mock, serverConn, nil
}

// newHandshakingClient is dialHandshakingPair for the common case of a
// single connection driven directly from the test goroutine.
func newHandshakingClient(t *testing.T) (*Transport, *mockSession, net.Conn) {
	t.Helper()
	tp, mock, conn, err := dialHandshakingPair(t, newMockHostKey(t))
	require.NoError(t, err)
	return tp, mock, conn
}

func TestMockHandshakeAgreesAlgorithmsAndSessionID(t *testing.T) {
	tp, mock, _ := newHandshakingClient(t)
	require.Equal(t, StateAuthenticated, tp.State())
	require.NotEmpty(t, tp.SessionID())
	require.Equal(t, mock.sessionID, tp.SessionID(), "client and server must compute the same exchange hash / session id")

	negotiated := tp.session.GetNegotiated()
	server := mockServerMenu()
	require.Equal(t, server.Kex[0], negotiated.Kex)
	require.Equal(t, server.HostKey[0], negotiated.HostKey)
	require.Equal(t, server.CipherC2S[0], negotiated.CipherC2S)
	require.Equal(t, server.CipherS2C[0], negotiated.CipherS2C)
	require.Equal(t, server.MacC2S[0], negotiated.MacC2S)
	require.Equal(t, server.MacS2C[0], negotiated.MacS2C)
}

// TestPeerInitiatedRekeyDoesNotHangStep locks in the fix for the
// deadlock a maintainer flagged: a server-initiated KEXINIT observed
// via Dispatch used to make runKex block on a second read the peer
// would never send, stalling Step() for the full deadline. With the
// fix, Step returns promptly once the rekey completes.
func TestPeerInitiatedRekeyDoesNotHangStep(t *testing.T) {
	tp, mock, _ := newHandshakingClient(t)

	var mu sync.Mutex
	var rekeyErr error
	tp.Dispatch = func(msgType MessageType, payload []byte) error {
		if msgType == MsgKexInit {
			err := tp.Rekey(time.Now().Add(30 * time.Second))
			mu.Lock()
			rekeyErr = err
			mu.Unlock()
			return err
		}
		return nil
	}

	serverRekeyErr := make(chan error, 1)
	go func() {
		_, err := mock.runKexRound(true)
		serverRekeyErr <- err
	}()

	start := time.Now()
	err := tp.Step(time.Now().Add(10 * time.Second))
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Less(t, elapsed, 5*time.Second, "peer-initiated rekey must not stall Step() for anywhere near its 30s deadline")
	require.NoError(t, <-serverRekeyErr)

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, rekeyErr)
}

// TestMacMismatchIsFatal exercises the MAC-verification path the
// integration test suite is meant to cover: a corrupted MAC on an
// otherwise well-formed encrypted packet must surface as a fatal
// KindCrypto error, never be silently accepted or misclassified as a
// network error.
func TestMacMismatchIsFatal(t *testing.T) {
	tp, mock, serverConn := newHandshakingClient(t)

	wireBytes, err := sshcrypto.EncryptPacket(mock.send, mock.sendSeq, []byte{byte(MsgIgnore)}, randomPadding(mock.rng))
	require.NoError(t, err)
	wireBytes[len(wireBytes)-1] ^= 0xFF // flip the last MAC byte
	mock.sendSeq++

	writeErr := make(chan error, 1)
	go func() {
		_, err := serverConn.Write(wireBytes)
		writeErr <- err
	}()

	_, err = tp.ReadPacket()
	require.Error(t, err)
	require.ErrorIs(t, err, sshcrypto.ErrMacMismatch)
	terr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, KindCrypto, terr.Kind)
	require.True(t, terr.Fatal)

	require.NoError(t, <-writeErr)
}

// TestConcurrentMultiConnectionHandshakes drives several independent
// client/mock-server pairs through a full handshake at once, the
// concurrent multi-connection scenario SPEC_FULL.md calls out: each
// Transport must reach StateAuthenticated with its own session id,
// unaffected by the others running at the same time.
func TestConcurrentMultiConnectionHandshakes(t *testing.T) {
	const n = 5
	var wg sync.WaitGroup
	sessionIDs := make([][]byte, n)
	states := make([]ConnState, n)
	errs := make([]error, n)
	hostKeys := make([]*mockHostKey, n)
	for i := range hostKeys {
		hostKeys[i] = newMockHostKey(t)
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tp, _, _, err := dialHandshakingPair(t, hostKeys[i])
			errs[i] = err
			if err == nil {
				sessionIDs[i] = tp.SessionID()
				states[i] = tp.State()
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i, id := range sessionIDs {
		require.NoError(t, errs[i])
		require.Equal(t, StateAuthenticated, states[i])
		require.NotEmpty(t, id)
		key := string(id)
		require.False(t, seen[key], "each connection's session id must be independently derived")
		seen[key] = true
	}
}
