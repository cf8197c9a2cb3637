package sshcrypto

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"io"
)

// ErrMacMismatch is fatal per spec.md §7: the connection must
// transition to Closing when it occurs.
var ErrMacMismatch = fmt.Errorf("sshcrypto: MAC mismatch")

// minPacketSize is the SSH binary packet protocol floor: total length
// must be at least 16 bytes even for a tiny payload.
const minPacketSize = 16

// framePlaintext lays out packet_length | padding_length | payload |
// padding for a given block size, per spec.md §3's Packet invariant:
// packet_length+4 is a multiple of max(blockSize,8), and padding is
// at least 4 bytes.
func framePlaintext(payload []byte, blockSize int, randPadding func(n int) ([]byte, error)) ([]byte, error) {
	if blockSize < 8 {
		blockSize = 8
	}
	base := 4 + 1 + len(payload)
	padded := base
	if padded < minPacketSize {
		padded = minPacketSize
	}
	rem := padded % blockSize
	if rem != 0 {
		padded += blockSize - rem
	}
	paddingLen := padded - base
	for paddingLen < 4 {
		paddingLen += blockSize
	}

	packetLen := uint32(1 + len(payload) + paddingLen)
	out := make([]byte, 4, 4+int(packetLen))
	binary.BigEndian.PutUint32(out, packetLen)
	out = append(out, byte(paddingLen))
	out = append(out, payload...)

	padding, err := randPadding(paddingLen)
	if err != nil {
		return nil, err
	}
	out = append(out, padding...)
	return out, nil
}

// WritePlainPacket frames payload per the pre-encryption Binary
// Packet Protocol (block size 8) and writes it to w. Used before
// NEWKEYS is exchanged.
func WritePlainPacket(w io.Writer, payload []byte, randPadding func(n int) ([]byte, error)) error {
	buf, err := framePlaintext(payload, 8, randPadding)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadPlainPacket reads one pre-encryption Binary Packet Protocol
// record from r and returns its payload.
func ReadPlainPacket(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	packetLen := binary.BigEndian.Uint32(lenBuf[:])
	if packetLen == 0 || packetLen > 1<<20 {
		return nil, fmt.Errorf("sshcrypto: packet_length %d out of range", packetLen)
	}
	rest := make([]byte, packetLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	paddingLen := int(rest[0])
	if paddingLen+1 > len(rest) {
		return nil, fmt.Errorf("sshcrypto: invalid padding length %d", paddingLen)
	}
	return rest[1 : len(rest)-paddingLen], nil
}

// EncryptPacket implements spec.md §4.B's packet encryption: frame,
// pad to the cipher's block size, MAC the plaintext under seq, then
// encrypt the framed plaintext. It returns ciphertext||MAC ready to
// write to the socket.
func EncryptPacket(ctx *DirectionContext, seq uint32, payload []byte, randPadding func(n int) ([]byte, error)) ([]byte, error) {
	plaintext, err := framePlaintext(payload, ctx.BlockSize, randPadding)
	if err != nil {
		return nil, err
	}

	var mac []byte
	if ctx.mac != nil {
		ctx.mac.Reset()
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], seq)
		ctx.mac.Write(seqBuf[:])
		ctx.mac.Write(plaintext)
		mac = ctx.mac.Sum(nil)
	}

	ciphertext := make([]byte, len(plaintext))
	ctx.encrypt.CryptBlocks(ciphertext, plaintext)

	return append(ciphertext, mac...), nil
}

// DecryptPacket implements spec.md §4.B's packet decryption: decrypt
// the first block to learn packet_length, decrypt the remainder,
// verify the MAC over seq||plaintext, then strip padding. r must be
// positioned at the start of a packet's ciphertext.
func DecryptPacket(ctx *DirectionContext, seq uint32, r io.Reader) ([]byte, error) {
	first := make([]byte, ctx.BlockSize)
	if _, err := io.ReadFull(r, first); err != nil {
		return nil, err
	}
	decryptedFirst := make([]byte, ctx.BlockSize)
	ctx.decrypt.CryptBlocks(decryptedFirst, first)

	packetLen := binary.BigEndian.Uint32(decryptedFirst[:4])
	if packetLen == 0 || packetLen > 1<<20 {
		// Under encryption an out-of-range length means the ciphertext
		// does not decrypt to what the peer sent; the MAC cannot even be
		// located, so this is reported as the same integrity failure.
		return nil, ErrMacMismatch
	}

	remainingPlain := int(packetLen) - (ctx.BlockSize - 4)
	if remainingPlain < 0 {
		return nil, fmt.Errorf("sshcrypto: packet shorter than one block")
	}
	// round up to the cipher's block size for the remaining ciphertext read
	toRead := remainingPlain
	if rem := toRead % ctx.BlockSize; rem != 0 {
		toRead += ctx.BlockSize - rem
	}
	restCipher := make([]byte, toRead)
	if toRead > 0 {
		if _, err := io.ReadFull(r, restCipher); err != nil {
			return nil, err
		}
	}
	restPlain := make([]byte, toRead)
	if toRead > 0 {
		ctx.decrypt.CryptBlocks(restPlain, restCipher)
	}

	fullPlain := append(decryptedFirst, restPlain...)
	fullPlain = fullPlain[:4+int(packetLen)]

	if ctx.mac != nil {
		macIn := make([]byte, ctx.MacSize)
		if _, err := io.ReadFull(r, macIn); err != nil {
			return nil, err
		}
		ctx.mac.Reset()
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], seq)
		ctx.mac.Write(seqBuf[:])
		ctx.mac.Write(fullPlain)
		expected := ctx.mac.Sum(nil)
		if !hmac.Equal(macIn, expected) {
			return nil, ErrMacMismatch
		}
	}

	paddingLen := int(fullPlain[4])
	payloadEnd := len(fullPlain) - paddingLen
	if paddingLen < 4 || payloadEnd < 5 {
		return nil, fmt.Errorf("sshcrypto: invalid padding length %d", paddingLen)
	}
	return fullPlain[5:payloadEnd], nil
}
