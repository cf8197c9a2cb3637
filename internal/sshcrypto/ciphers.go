package sshcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"fmt"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/cast5"
	"golang.org/x/crypto/twofish"
)

// CipherSpec describes one entry of the cipher menu (spec.md §4.B):
// its key and IV sizes, and how to build the underlying block cipher.
// All of the menu's ciphers run in CBC mode.
type CipherSpec struct {
	Name     string
	KeySize  int
	IVSize   int
	NewBlock func(key []byte) (cipher.Block, error)
}

// cipherTable is keyed by SSH algorithm name. blowfish-cbc, cast128-cbc
// and twofish{,256}-cbc come from golang.org/x/crypto, which is where
// the standard library stops short (see SPEC_FULL.md §4 DOMAIN STACK).
var cipherTable = map[string]CipherSpec{
	"aes256-cbc": {Name: "aes256-cbc", KeySize: 32, IVSize: aes.BlockSize, NewBlock: aes.NewCipher},
	"aes192-cbc": {Name: "aes192-cbc", KeySize: 24, IVSize: aes.BlockSize, NewBlock: aes.NewCipher},
	"aes128-cbc": {Name: "aes128-cbc", KeySize: 16, IVSize: aes.BlockSize, NewBlock: aes.NewCipher},
	"3des-cbc":   {Name: "3des-cbc", KeySize: 24, IVSize: des.BlockSize, NewBlock: des.NewTripleDESCipher},
	"blowfish-cbc": {
		Name: "blowfish-cbc", KeySize: 16, IVSize: blowfish.BlockSize,
		NewBlock: func(key []byte) (cipher.Block, error) { return blowfish.NewCipher(key) },
	},
	"cast128-cbc": {
		Name: "cast128-cbc", KeySize: 16, IVSize: cast5.BlockSize,
		NewBlock: func(key []byte) (cipher.Block, error) { return cast5.NewCipher(key) },
	},
	"twofish-cbc": {
		Name: "twofish-cbc", KeySize: 16, IVSize: twofish.BlockSize,
		NewBlock: func(key []byte) (cipher.Block, error) { return twofish.NewCipher(key) },
	},
	"twofish256-cbc": {
		Name: "twofish256-cbc", KeySize: 32, IVSize: twofish.BlockSize,
		NewBlock: func(key []byte) (cipher.Block, error) { return twofish.NewCipher(key) },
	},
}

// LookupCipher returns the CipherSpec for name, or an error if the
// name is not part of the fixed menu.
func LookupCipher(name string) (CipherSpec, error) {
	spec, ok := cipherTable[name]
	if !ok {
		return CipherSpec{}, fmt.Errorf("sshcrypto: unknown cipher %q", name)
	}
	return spec, nil
}

// BlockSize returns the cipher's block size in bytes, used for
// packet-length padding calculations.
func (c CipherSpec) BlockSize(key []byte) (int, error) {
	block, err := c.NewBlock(key)
	if err != nil {
		return 0, err
	}
	return block.BlockSize(), nil
}

// NewEncrypter builds a CBC encrypting BlockMode keyed and IV'd as given.
func (c CipherSpec) NewEncrypter(key, iv []byte) (cipher.BlockMode, error) {
	block, err := c.NewBlock(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCEncrypter(block, iv), nil
}

// NewDecrypter builds a CBC decrypting BlockMode keyed and IV'd as given.
func (c CipherSpec) NewDecrypter(key, iv []byte) (cipher.BlockMode, error) {
	block, err := c.NewBlock(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}
