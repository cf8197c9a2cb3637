package keys

import (
	"crypto/dsa"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerateRSAWritesLoadableKeyPair(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "id_rsa")
	pubPath := filepath.Join(dir, "id_rsa.pub")

	require.NoError(t, Generate(RSA, "test@goshell", privPath, pubPath, 2048))

	privBytes, err := os.ReadFile(privPath)
	require.NoError(t, err)
	_, err = ssh.ParseRawPrivateKey(privBytes)
	require.NoError(t, err)

	pubBytes, err := os.ReadFile(pubPath)
	require.NoError(t, err)
	_, _, _, _, err = ssh.ParseAuthorizedKey(pubBytes)
	require.NoError(t, err)
}

func TestGenerateDSADefaultsTo1024Bits(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "id_dsa")
	pubPath := filepath.Join(dir, "id_dsa.pub")

	require.NoError(t, Generate(DSA, "", privPath, pubPath, 0))

	pubBytes, err := os.ReadFile(pubPath)
	require.NoError(t, err)
	pub, _, _, _, err := ssh.ParseAuthorizedKey(pubBytes)
	require.NoError(t, err)
	require.Equal(t, "ssh-dss", pub.Type())

	dsaPub, ok := pub.(ssh.CryptoPublicKey).CryptoPublicKey().(*dsa.PublicKey)
	require.True(t, ok)
	require.Equal(t, DefaultDSABits, dsaPub.P.BitLen())
}

func TestGenerateRejectsUnknownAlgorithm(t *testing.T) {
	dir := t.TempDir()
	err := Generate("ed25519", "", filepath.Join(dir, "k"), filepath.Join(dir, "k.pub"), 0)
	require.Error(t, err)
}
