package sshcrypto

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"
	"math/big"

	"github.com/goshell-project/goshell/internal/wire"
)

// Oakley Group 2 (1024-bit MODP, RFC 2409 §6.2 — offered as
// "diffie-hellman-group1-sha1") and RFC 3526 Group 14 (2048-bit MODP,
// offered as "diffie-hellman-group14-sha1"), generator 2 for both.
// The original NetSieben source drove these through Botan's
// DH_PrivateKey; no library in the retrieved pack implements the
// legacy fixed-group DH primitives, so this stays a standard-library
// math/big computation (see DESIGN.md).
var (
	dhGroup1Prime, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD"+
			"129024E088A67CC74020BBEA63B139B22514A08798E3404"+
			"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C"+
			"245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406"+
			"B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE"+
			"45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD"+
			"24CF5F83655D23DCA3AD961C62F356208552BB9ED529077"+
			"096966D670C354E4ABC9804F1746C08CA18217C32905E46"+
			"2E36CE3BFFFFFFFFFFFFFFFF",
		16)
	dhGroup14Prime, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD"+
			"129024E088A67CC74020BBEA63B139B22514A08798E3404"+
			"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C"+
			"245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406"+
			"B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE"+
			"45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD"+
			"24CF5F83655D23DCA3AD961C62F356208552BB9ED529077"+
			"096966D670C354E4ABC9804F1746C08CA18217C32905E46"+
			"2E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF"+
			"06F4C52C9DE2BCBF6955817183995497CEA956AE515D226"+
			"1898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF",
		16)
	dhGenerator = big.NewInt(2)
)

// GroupParams returns the fixed prime and generator for a negotiated
// KEX algorithm name. Both menu entries hash with SHA-1.
func GroupParams(kexAlgorithm string) (p, g *big.Int, err error) {
	switch kexAlgorithm {
	case "diffie-hellman-group1-sha1":
		return dhGroup1Prime, dhGenerator, nil
	case "diffie-hellman-group14-sha1":
		return dhGroup14Prime, dhGenerator, nil
	default:
		return nil, nil, fmt.Errorf("sshcrypto: unsupported kex algorithm %q", kexAlgorithm)
	}
}

// KexKeyPair is one side's ephemeral Diffie-Hellman key pair for a
// single handshake.
type KexKeyPair struct {
	Prime     *big.Int
	Generator *big.Int
	Private   *big.Int
	Public    *big.Int
}

// GenerateKexKeyPair picks a private exponent x uniformly in
// [1, p-1) and publishes e = g^x mod p, per spec.md §4.B.
func GenerateKexKeyPair(kexAlgorithm string, rng io.Reader) (*KexKeyPair, error) {
	p, g, err := GroupParams(kexAlgorithm)
	if err != nil {
		return nil, err
	}
	upper := new(big.Int).Sub(p, big.NewInt(1))
	x, err := rand.Int(rng, upper)
	if err != nil {
		return nil, err
	}
	if x.Sign() == 0 {
		x.SetInt64(1)
	}
	e := new(big.Int).Exp(g, x, p)
	return &KexKeyPair{Prime: p, Generator: g, Private: x, Public: e}, nil
}

// SharedSecret computes K = f^x mod p from the peer's public value f.
func (kp *KexKeyPair) SharedSecret(f *big.Int) *big.Int {
	return new(big.Int).Exp(f, kp.Private, kp.Prime)
}

// ExchangeHashInput is every field, in order, that spec.md §4.B's H
// computation concatenates before hashing.
type ExchangeHashInput struct {
	ClientVersion    []byte
	ServerVersion    []byte
	ClientKexInit    []byte
	ServerKexInit    []byte
	ServerHostKey    []byte
	ClientPublic     *big.Int
	ServerPublic     *big.Int
	SharedSecret     *big.Int
}

// ComputeExchangeHash concatenates the transcript fields as SSH
// strings/mpints and hashes with SHA-1, the only KEX hash the menu's
// two group-DH algorithms use.
func ComputeExchangeHash(in ExchangeHashInput) []byte {
	w := wire.NewWriter()
	w.String(in.ClientVersion)
	w.String(in.ServerVersion)
	w.String(in.ClientKexInit)
	w.String(in.ServerKexInit)
	w.String(in.ServerHostKey)
	w.MPInt(in.ClientPublic)
	w.MPInt(in.ServerPublic)
	w.MPInt(in.SharedSecret)
	sum := sha1.Sum(w.Bytes())
	return sum[:]
}
