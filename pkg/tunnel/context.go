// Package tunnel implements per-tunnel symmetric crypto state for the fast
// path. The AEAD primitives are audited library ciphers; this package owns
// only the surrounding contract: one nonce per encrypt call for the
// lifetime of a key, the key confined to its context, and the tag verified
// before any plaintext is trusted.
package tunnel

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm selects the AEAD cipher for a tunnel.
type Algorithm uint8

const (
	AES256GCM Algorithm = iota
	ChaCha20Poly1305
)

// ParseAlgorithm maps configuration names to algorithms.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", "aes256-gcm":
		return AES256GCM, nil
	case "chacha20-poly1305":
		return ChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("unknown algorithm %q", name)
	}
}

func (a Algorithm) String() string {
	switch a {
	case AES256GCM:
		return "aes256-gcm"
	case ChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// KeySize is the key length required by both supported algorithms.
const KeySize = 32

// NonceSize is the wire size of the per-packet nonce counter.
const NonceSize = 8

var (
	ErrTooShort    = errors.New("buffer too short for authentication tag")
	ErrAuthFailed  = errors.New("authentication failed")
	ErrNonceReuse  = errors.New("nonce counter exhausted")
	ErrKeyNotFound = errors.New("tunnel key not found")
)

// nonceLimit leaves the top counter value unused so exhaustion is
// detectable before a value could repeat.
const nonceLimit = ^uint64(0)

// Context holds the crypto state for one tunnel: the AEAD keyed with the
// tunnel's key material, a strictly monotonic nonce counter, and running
// byte counters. A context may serve flows on multiple workers, so the
// counters are atomic; the AEAD itself is stateless and safe for
// concurrent Seal/Open.
type Context struct {
	id   uint32
	alg  Algorithm
	aead cipher.AEAD

	nonce          atomic.Uint64
	bytesEncrypted atomic.Uint64
	bytesDecrypted atomic.Uint64
}

// NewContext creates a tunnel context. The key must be KeySize bytes and
// is not retained beyond the cipher's internal schedule.
func NewContext(id uint32, alg Algorithm, key []byte) (*Context, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	var aead cipher.AEAD
	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
	case ChaCha20Poly1305:
		var err error
		aead, err = chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown algorithm %d", alg)
	}
	return &Context{id: id, alg: alg, aead: aead}, nil
}

// ID returns the tunnel identifier.
func (c *Context) ID() uint32 { return c.id }

// Algorithm returns the tunnel's cipher selection.
func (c *Context) Algorithm() Algorithm { return c.alg }

// Overhead returns the tag bytes appended by Encrypt.
func (c *Context) Overhead() int { return c.aead.Overhead() }

// Encrypt encrypts payload in place, appending the authentication tag, and
// returns the total ciphertext length and the nonce counter value used.
// The slice's capacity must hold the tag (cap-len >= Overhead), otherwise
// ErrTooShort. Each call draws a fresh counter value; no two calls on the
// same context ever share a nonce, and once the counter is spent every
// subsequent call fails until the tunnel is rekeyed.
func (c *Context) Encrypt(payload, associatedData []byte) (int, uint64, error) {
	if cap(payload)-len(payload) < c.aead.Overhead() {
		return 0, 0, ErrTooShort
	}
	n, err := c.nextNonce()
	if err != nil {
		return 0, 0, err
	}
	out := c.aead.Seal(payload[:0], c.nonceBytes(n), payload, associatedData)
	c.bytesEncrypted.Add(uint64(len(payload)))
	return len(out), n, nil
}

// Decrypt verifies and decrypts payload in place, returning the plaintext
// length. The tag is checked before any plaintext is produced; on mismatch
// the payload is left unusable and ErrAuthFailed is returned.
func (c *Context) Decrypt(payload []byte, nonce uint64, associatedData []byte) (int, error) {
	if len(payload) < c.aead.Overhead() {
		return 0, ErrTooShort
	}
	out, err := c.aead.Open(payload[:0], c.nonceBytes(nonce), payload, associatedData)
	if err != nil {
		return 0, ErrAuthFailed
	}
	c.bytesDecrypted.Add(uint64(len(out)))
	return len(out), nil
}

// nextNonce draws the next counter value. The counter saturates one step
// short of nonceLimit: a compare-and-swap never advances past it, so an
// exhausted context refuses every call rather than wrapping to zero.
func (c *Context) nextNonce() (uint64, error) {
	for {
		cur := c.nonce.Load()
		if cur >= nonceLimit-1 {
			return 0, ErrNonceReuse
		}
		if c.nonce.CompareAndSwap(cur, cur+1) {
			return cur + 1, nil
		}
	}
}

// nonceBytes expands the 64-bit counter into the AEAD's nonce width with
// the tunnel ID as a fixed prefix.
func (c *Context) nonceBytes(n uint64) []byte {
	nonce := make([]byte, c.aead.NonceSize())
	binary.BigEndian.PutUint32(nonce[:4], c.id)
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], n)
	return nonce
}

// Bytes returns the running encrypted/decrypted byte counters.
func (c *Context) Bytes() (encrypted, decrypted uint64) {
	return c.bytesEncrypted.Load(), c.bytesDecrypted.Load()
}
