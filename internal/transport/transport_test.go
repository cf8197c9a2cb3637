package transport

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goshell-project/goshell/internal/algo"
)

func TestExchangeVersionsToleratesJunkLines(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		reader := bufio.NewReader(server)
		reader.ReadString('\n') // consume client's version line
		server.Write([]byte("junk line one\r\n"))
		server.Write([]byte("junk line two\r\n"))
		server.Write([]byte("SSH-2.0-OpenSSH_9.0\r\n"))
	}()

	version, err := exchangeVersions(client, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, "SSH-2.0-OpenSSH_9.0", string(version))
}

func TestExchangeVersionsRejectsOverlongLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		reader := bufio.NewReader(server)
		reader.ReadString('\n')
		long := make([]byte, 300)
		for i := range long {
			long[i] = 'x'
		}
		server.Write(long)
		server.Write([]byte("\r\n"))
	}()

	_, err := exchangeVersions(client, time.Now().Add(2*time.Second))
	require.Error(t, err)
}

func TestExchangeVersionsPreservesPipelinedBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		reader := bufio.NewReader(server)
		reader.ReadString('\n') // consume client's version line
		// A real peer routinely sends its KEXINIT in the same write as
		// its version banner; both must arrive in one Write call here
		// to exercise that pipelining.
		server.Write([]byte("SSH-2.0-OpenSSH_9.0\r\nKEXINIT-FOLLOWS"))
	}()

	version, err := exchangeVersions(client, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, "SSH-2.0-OpenSSH_9.0", string(version))

	buf := make([]byte, len("KEXINIT-FOLLOWS"))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, "KEXINIT-FOLLOWS", string(buf), "bytes pipelined after the banner in the same write must not be lost")
}

func TestBuildAndParseKexInitRoundTrip(t *testing.T) {
	menu := algo.Default()
	payload, err := buildKexInit(menu, newDeterministicRNG())
	require.NoError(t, err)

	parsed, err := parseKexInit(payload)
	require.NoError(t, err)
	require.Equal(t, menu.Kex, parsed.Kex)
	require.Equal(t, menu.HostKey, parsed.HostKey)
	require.Equal(t, menu.CipherC2S, parsed.CipherC2S)
	require.Equal(t, menu.MacC2S, parsed.MacC2S)
}

func TestNegotiateAgreesEveryCategory(t *testing.T) {
	local := algo.Default()
	remote := algo.WeakMenu()

	n, err := negotiate(local, remote)
	require.NoError(t, err)
	require.Equal(t, "diffie-hellman-group1-sha1", n.Kex)
	require.Equal(t, "ssh-dss", n.HostKey)
	require.Equal(t, "3des-cbc", n.CipherC2S)
	require.Equal(t, "hmac-sha1", n.MacC2S)
}

func TestNegotiateFailsOnDisjointMenu(t *testing.T) {
	local := algo.Menu{
		Kex: []string{"diffie-hellman-group14-sha1"}, HostKey: []string{"ssh-rsa"},
		CipherC2S: []string{"aes128-cbc"}, CipherS2C: []string{"aes128-cbc"},
		MacC2S: []string{"hmac-md5"}, MacS2C: []string{"hmac-md5"},
		CompressionC2S: []string{"none"}, CompressionS2C: []string{"none"},
	}
	remote := algo.Menu{
		Kex: []string{"diffie-hellman-group1-sha1"}, HostKey: []string{"ssh-dss"},
		CipherC2S: []string{"3des-cbc"}, CipherS2C: []string{"3des-cbc"},
		MacC2S: []string{"hmac-ripemd160"}, MacS2C: []string{"hmac-ripemd160"},
		CompressionC2S: []string{"none"}, CompressionS2C: []string{"none"},
	}
	_, err := negotiate(local, remote)
	require.Error(t, err)
}

// newDeterministicRNG returns a fixed-byte reader, sufficient for
// KEXINIT cookie generation in tests where reproducibility matters
// more than randomness.
type deterministicRNG struct{}

func (deterministicRNG) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(i)
	}
	return len(p), nil
}

func newDeterministicRNG() deterministicRNG { return deterministicRNG{} }
