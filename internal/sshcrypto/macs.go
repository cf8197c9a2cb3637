package sshcrypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"hash"
)

// MacSpec describes one entry of the MAC menu: key size, digest
// (=output) size, and how to build the keyed hash.
type MacSpec struct {
	Name       string
	KeySize    int
	DigestSize int
	New        func(key []byte) hash.Hash
}

var macTable = map[string]MacSpec{
	"hmac-sha1": {
		Name: "hmac-sha1", KeySize: 20, DigestSize: 20,
		New: func(key []byte) hash.Hash { return hmac.New(sha1.New, key) },
	},
	"hmac-md5": {
		Name: "hmac-md5", KeySize: 16, DigestSize: 16,
		New: func(key []byte) hash.Hash { return hmac.New(md5.New, key) },
	},
	"none": {
		Name: "none", KeySize: 0, DigestSize: 0,
		New: func(key []byte) hash.Hash { return nil },
	},
}

// LookupMac returns the MacSpec for name, or an error if unknown.
func LookupMac(name string) (MacSpec, error) {
	spec, ok := macTable[name]
	if !ok {
		return MacSpec{}, fmt.Errorf("sshcrypto: unknown mac %q", name)
	}
	return spec, nil
}
