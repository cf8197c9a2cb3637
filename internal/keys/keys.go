// Package keys implements the Key-Pair Generator boundary of spec.md
// §4.F: DSA and RSA key-pair generation, written out as an
// OpenSSH-compatible PEM private key and an ssh-dss/ssh-rsa public key
// line. It is external to the protocol state machine.
package keys

import (
	"crypto/dsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// Algorithm names the Key-Pair Generator accepts.
type Algorithm string

const (
	DSA Algorithm = "dsa"
	RSA Algorithm = "rsa"
)

// Default bit sizes per spec.md §4.F.
const (
	DefaultDSABits = 1024
	DefaultRSABits = 2048
)

// Generate creates a key pair of the given algorithm and writes an
// OpenSSH-compatible PEM private key to privPath and an authorized-key
// line (with comment) to pubPath. bits of 0 selects the algorithm's
// default.
func Generate(algo Algorithm, comment, privPath, pubPath string, bits int) error {
	switch algo {
	case DSA:
		if bits == 0 {
			bits = DefaultDSABits
		}
		return generateDSA(bits, comment, privPath, pubPath)
	case RSA:
		if bits == 0 {
			bits = DefaultRSABits
		}
		return generateRSA(bits, comment, privPath, pubPath)
	default:
		return fmt.Errorf("keys: unsupported algorithm %q", algo)
	}
}

func generateRSA(bits int, comment, privPath, pubPath string) error {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("keys: generate RSA key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	return writePair(privPEM, &priv.PublicKey, comment, privPath, pubPath)
}

func dsaParamSize(bits int) dsa.ParameterSizes {
	switch {
	case bits <= 1024:
		return dsa.L1024N160
	case bits <= 2048:
		return dsa.L2048N256
	default:
		return dsa.L3072N256
	}
}

func generateDSA(bits int, comment, privPath, pubPath string) error {
	var params dsa.Parameters
	if err := dsa.GenerateParameters(&params, rand.Reader, dsaParamSize(bits)); err != nil {
		return fmt.Errorf("keys: generate DSA parameters: %w", err)
	}
	priv := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: params}}
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		return fmt.Errorf("keys: generate DSA key: %w", err)
	}
	privDER, err := marshalDSAPrivateKey(priv)
	if err != nil {
		return err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "DSA PRIVATE KEY", Bytes: privDER})
	return writePair(privPEM, &priv.PublicKey, comment, privPath, pubPath)
}

// writePair marshals pub via golang.org/x/crypto/ssh (rather than
// hand-rolling the ssh-dss/ssh-rsa wire blob) and writes both files.
func writePair(privPEM []byte, pub any, comment, privPath, pubPath string) error {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("keys: marshal public key: %w", err)
	}
	line := ssh.MarshalAuthorizedKey(sshPub)
	if comment != "" {
		line = append(line[:len(line)-1], ' ')
		line = append(line, []byte(comment)...)
		line = append(line, '\n')
	}
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return fmt.Errorf("keys: write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, line, 0644); err != nil {
		return fmt.Errorf("keys: write public key: %w", err)
	}
	return nil
}
