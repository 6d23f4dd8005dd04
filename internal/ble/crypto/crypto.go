// Package crypto provides the message cipher for the BLE control channel:
// AES-CCM with an 8-byte tag and an 11-byte nonce built from a fixed prefix,
// a per-direction message counter and a direction byte.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
	"golang.org/x/crypto/hkdf"
)

const (
	// TagSize is the length of the authentication tag appended to a message.
	TagSize = 8
	// NonceSize is the length of the CCM nonce.
	NonceSize = 11
	// FixedNonceSize is the length of the fixed nonce prefix.
	FixedNonceSize = 6
)

// Direction selects the key and counter used for a message.
type Direction uint8

const (
	// DirRequest is host to device.
	DirRequest Direction = 1
	// DirReply is device to host.
	DirReply Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirRequest:
		return "request"
	case DirReply:
		return "reply"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

func (d Direction) index() (int, error) {
	switch d {
	case DirRequest:
		return 0, nil
	case DirReply:
		return 1, nil
	default:
		return 0, fmt.Errorf("ble/crypto: invalid direction %d", uint8(d))
	}
}

var (
	// ErrBadData is returned when a message fails authentication.
	ErrBadData = errors.New("ble/crypto: message authentication failed")
	// ErrCounterExhausted is returned once a direction has used every nonce.
	ErrCounterExhausted = errors.New("ble/crypto: message counter exhausted")
)

// Keys holds the AES key for each direction.
type Keys struct {
	Request []byte
	Reply   []byte
}

// SharedKeys uses secret as the key in both directions. Only the direction
// byte of the nonce separates the two streams.
func SharedKeys(secret []byte) Keys {
	return Keys{Request: secret, Reply: secret}
}

// DeriveKeys derives an independent key per direction from secret with
// HKDF-SHA256. The derived keys have the same length as secret.
func DeriveKeys(secret []byte) (Keys, error) {
	req, err := deriveKey(secret, "ctrlchan request")
	if err != nil {
		return Keys{}, err
	}
	rep, err := deriveKey(secret, "ctrlchan reply")
	if err != nil {
		return Keys{}, err
	}
	return Keys{Request: req, Reply: rep}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, len(secret))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return key, nil
}

// Nonce builds the CCM nonce for a message.
func Nonce(prefix [FixedNonceSize]byte, counter uint32, dir Direction) [NonceSize]byte {
	var n [NonceSize]byte
	copy(n[:], prefix[:])
	binary.LittleEndian.PutUint32(n[FixedNonceSize:], counter)
	n[NonceSize-1] = byte(dir)
	return n
}

// Cipher seals and opens messages for both directions of one connection.
// Each direction has its own key context and counter; the counter advances
// once per message and never repeats. A Cipher is not safe for concurrent
// use.
type Cipher struct {
	aead     [2]cipher.AEAD
	prefix   [FixedNonceSize]byte
	counters [2]uint64
}

// NewCipher creates a cipher from per-direction AES keys (16, 24 or 32
// bytes) and a FixedNonceSize-byte nonce prefix.
func NewCipher(keys Keys, prefix []byte) (*Cipher, error) {
	if len(prefix) != FixedNonceSize {
		return nil, fmt.Errorf("ble/crypto: nonce prefix must be %d bytes, got %d", FixedNonceSize, len(prefix))
	}
	c := &Cipher{}
	copy(c.prefix[:], prefix)
	for i, key := range [][]byte{keys.Request, keys.Reply} {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
		}
		aead, err := ccm.NewCCM(block, TagSize, NonceSize)
		if err != nil {
			return nil, fmt.Errorf("ble/crypto: new CCM: %w", err)
		}
		c.aead[i] = aead
	}
	return c, nil
}

// Counter returns the counter the next message in dir will use.
func (c *Cipher) Counter(dir Direction) uint32 {
	i, err := dir.index()
	if err != nil {
		return 0
	}
	return uint32(c.counters[i])
}

func (c *Cipher) nextNonce(dir Direction) (int, [NonceSize]byte, error) {
	i, err := dir.index()
	if err != nil {
		return 0, [NonceSize]byte{}, err
	}
	if c.counters[i] > math.MaxUint32 {
		return 0, [NonceSize]byte{}, ErrCounterExhausted
	}
	n := Nonce(c.prefix, uint32(c.counters[i]), dir)
	c.counters[i]++
	return i, n, nil
}

// Seal encrypts plaintext for dir, authenticating aad, and appends
// ciphertext and tag to dst.
func (c *Cipher) Seal(dir Direction, dst, plaintext, aad []byte) ([]byte, error) {
	i, nonce, err := c.nextNonce(dir)
	if err != nil {
		return nil, err
	}
	return c.aead[i].Seal(dst, nonce[:], plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext (with trailing tag) for dir and
// appends the plaintext to dst. To decrypt in place use
// ciphertext[:0] as dst.
func (c *Cipher) Open(dir Direction, dst, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: message shorter than tag", ErrBadData)
	}
	i, nonce, err := c.nextNonce(dir)
	if err != nil {
		return nil, err
	}
	out, err := c.aead[i].Open(dst, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	return out, nil
}
