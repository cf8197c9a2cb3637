package keys

import (
	"crypto/dsa"
	"encoding/asn1"
	"math/big"
)

// dsaOpenSSLPrivateKey mirrors the ASN.1 SEQUENCE OpenSSL's
// "DSA PRIVATE KEY" PEM block uses: version, p, q, g, public value,
// private value. x509 has no DSA equivalent to
// MarshalPKCS1PrivateKey, so this core writes that format directly —
// the same shape OpenSSH-compatible tooling expects.
type dsaOpenSSLPrivateKey struct {
	Version int
	P, Q, G *big.Int
	Y, X    *big.Int
}

func marshalDSAPrivateKey(priv *dsa.PrivateKey) ([]byte, error) {
	return asn1.Marshal(dsaOpenSSLPrivateKey{
		Version: 0,
		P:       priv.P,
		Q:       priv.Q,
		G:       priv.G,
		Y:       priv.Y,
		X:       priv.X,
	})
}
