package sshcrypto

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKexKeyPairGroup14(t *testing.T) {
	rng := NewLockedRNG()
	kp, err := GenerateKexKeyPair("diffie-hellman-group14-sha1", rng)
	require.NoError(t, err)
	require.NotNil(t, kp.Public)
	require.True(t, kp.Public.Cmp(kp.Prime) < 0)
}

func TestSharedSecretAgreesBothSides(t *testing.T) {
	rng := NewLockedRNG()
	client, err := GenerateKexKeyPair("diffie-hellman-group14-sha1", rng)
	require.NoError(t, err)
	server, err := GenerateKexKeyPair("diffie-hellman-group14-sha1", rng)
	require.NoError(t, err)

	kClient := client.SharedSecret(server.Public)
	kServer := server.SharedSecret(client.Public)
	require.Equal(t, kClient, kServer)
}

func TestExchangeHashDeterministic(t *testing.T) {
	in := ExchangeHashInput{
		ClientVersion: []byte("SSH-2.0-goshell_2.0"),
		ServerVersion: []byte("SSH-2.0-OpenSSH_9.0"),
		ClientKexInit: []byte("client-kexinit-payload"),
		ServerKexInit: []byte("server-kexinit-payload"),
		ServerHostKey: []byte("host-key-blob"),
		ClientPublic:  big.NewInt(12345),
		ServerPublic:  big.NewInt(67890),
		SharedSecret:  big.NewInt(999999),
	}
	h1 := ComputeExchangeHash(in)
	h2 := ComputeExchangeHash(in)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 20) // SHA-1 digest length
}

func TestDeriveKeyLongerThanDigestExtends(t *testing.T) {
	K := big.NewInt(42)
	H := []byte("exchange-hash")
	sessionID := []byte("session-id")
	key := DeriveKey(K, H, sessionID, 'A', 32) // longer than one SHA-1 digest (20 bytes)
	require.Len(t, key, 32)

	short := DeriveKey(K, H, sessionID, 'A', 16)
	require.Equal(t, key[:16], short)
}

func TestDeriveKeyDiffersPerID(t *testing.T) {
	K := big.NewInt(42)
	H := []byte("H")
	sid := []byte("sid")
	a := DeriveKey(K, H, sid, 'A', 16)
	b := DeriveKey(K, H, sid, 'B', 16)
	require.NotEqual(t, a, b)
}

func TestPacketRoundTripAES128(t *testing.T) {
	sendKey := bytes.Repeat([]byte{0x01}, 16)
	sendIV := bytes.Repeat([]byte{0x02}, 16)
	macKey := bytes.Repeat([]byte{0x03}, 20)

	sendCtx, err := NewSendContext("aes128-cbc", "hmac-sha1", sendKey, sendIV, macKey)
	require.NoError(t, err)
	recvCtx, err := NewRecvContext("aes128-cbc", "hmac-sha1", sendKey, sendIV, macKey)
	require.NoError(t, err)

	payload := []byte("hello over an encrypted ssh packet")
	randPadding := func(n int) ([]byte, error) { return make([]byte, n), nil }

	wire, err := EncryptPacket(sendCtx, 5, payload, randPadding)
	require.NoError(t, err)

	got, err := DecryptPacket(recvCtx, 5, bytes.NewReader(wire))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPacketDecryptDetectsBitFlip(t *testing.T) {
	key := bytes.Repeat([]byte{0x09}, 16)
	iv := bytes.Repeat([]byte{0x08}, 16)
	macKey := bytes.Repeat([]byte{0x07}, 20)

	sendCtx, err := NewSendContext("aes128-cbc", "hmac-sha1", key, iv, macKey)
	require.NoError(t, err)
	recvCtx, err := NewRecvContext("aes128-cbc", "hmac-sha1", key, iv, macKey)
	require.NoError(t, err)

	randPadding := func(n int) ([]byte, error) { return make([]byte, n), nil }
	wireBytes, err := EncryptPacket(sendCtx, 0, []byte("payload"), randPadding)
	require.NoError(t, err)

	corrupted := append([]byte(nil), wireBytes...)
	corrupted[0] ^= 0x01

	_, err = DecryptPacket(recvCtx, 0, bytes.NewReader(corrupted))
	require.ErrorIs(t, err, ErrMacMismatch)
}

func TestPacketRoundTripNoMac(t *testing.T) {
	key := bytes.Repeat([]byte{0xaa}, 16)
	iv := bytes.Repeat([]byte{0xbb}, 16)

	sendCtx, err := NewSendContext("aes128-cbc", "none", key, iv, nil)
	require.NoError(t, err)
	recvCtx, err := NewRecvContext("aes128-cbc", "none", key, iv, nil)
	require.NoError(t, err)

	randPadding := func(n int) ([]byte, error) { return make([]byte, n), nil }
	wireBytes, err := EncryptPacket(sendCtx, 1, []byte("no mac here"), randPadding)
	require.NoError(t, err)

	got, err := DecryptPacket(recvCtx, 1, bytes.NewReader(wireBytes))
	require.NoError(t, err)
	require.Equal(t, []byte("no mac here"), got)
}

func TestPlainPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	randPadding := func(n int) ([]byte, error) { return make([]byte, n), nil }
	require.NoError(t, WritePlainPacket(&buf, []byte{20, 1, 2, 3}, randPadding))

	got, err := ReadPlainPacket(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte{20, 1, 2, 3}, got)
}
