package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultPBKDF2Iterations is the key-derivation work factor used when
	// the cipher is constructed without an explicit count.
	DefaultPBKDF2Iterations = 100_000

	envelopeVersion = "v1"
	derivedKeyBytes = 32
	saltBytes       = 16
)

// SessionCipher encrypts session envelopes with keys derived from a master
// key and the owning session id. The session id acts as the salt, so each
// session gets its own symmetric key and a blob can only be opened by the
// session it belongs to.
//
// Rotation: the primary key encrypts all new writes; decryption tries the
// primary first and then each secondary in order, so sessions written
// under a retiring key remain readable until they expire.
type SessionCipher struct {
	primary     []byte
	secondaries [][]byte
	iterations  int
}

// NewSessionCipher builds a cipher from the primary master key and any
// number of retiring secondary keys. iterations <= 0 selects the default
// work factor.
func NewSessionCipher(masterKey string, secondaryKeys []string, iterations int) (*SessionCipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("session cipher: master key is empty")
	}
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}

	c := &SessionCipher{primary: []byte(masterKey), iterations: iterations}
	for _, k := range secondaryKeys {
		if k == "" {
			continue
		}
		c.secondaries = append(c.secondaries, []byte(k))
	}
	return c, nil
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over the master key with the given
// salt and returns the 32-byte key base64url-encoded.
func DeriveKey(masterKey string, salt []byte, iterations int) string {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	key := pbkdf2.Key([]byte(masterKey), salt, iterations, derivedKeyBytes, sha256.New)
	return base64.URLEncoding.EncodeToString(key)
}

// saltFromSessionID uses the first 16 bytes of the session id as the salt,
// zero-padded when the id is shorter.
func saltFromSessionID(sessionID string) []byte {
	salt := make([]byte, saltBytes)
	copy(salt, sessionID)
	return salt
}

func (c *SessionCipher) deriveRaw(masterKey, salt []byte) []byte {
	return pbkdf2.Key(masterKey, salt, c.iterations, derivedKeyBytes, sha256.New)
}

// Encrypt seals plaintext under a key bound to sessionID and returns the
// versioned envelope "v1:<b64(salt)>:<b64(nonce||ciphertext)>".
func (c *SessionCipher) Encrypt(plaintext, sessionID string) (string, error) {
	salt := saltFromSessionID(sessionID)

	sealed, err := sealGCM(c.deriveRaw(c.primary, salt), []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("session cipher: %w", err)
	}

	return strings.Join([]string{
		envelopeVersion,
		base64.URLEncoding.EncodeToString(salt),
		base64.URLEncoding.EncodeToString(sealed),
	}, ":"), nil
}

// Decrypt opens an envelope produced by Encrypt. A malformed envelope, an
// unknown version, a wrong session id, or a tampered ciphertext all yield
// ErrDecryptFailed; garbage is never returned.
func (c *SessionCipher) Decrypt(blob, sessionID string) (string, error) {
	parts := strings.SplitN(blob, ":", 3)
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return "", fmt.Errorf("%w: malformed envelope", ErrDecryptFailed)
	}

	sealed, err := base64.URLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrDecryptFailed)
	}

	// The salt is re-derived from the session id rather than trusted from
	// the envelope, so a blob copied onto another session cannot open.
	salt := saltFromSessionID(sessionID)

	keys := append([][]byte{c.primary}, c.secondaries...)
	for _, master := range keys {
		plaintext, err := openGCM(c.deriveRaw(master, salt), sealed)
		if err == nil {
			return string(plaintext), nil
		}
	}
	return "", ErrDecryptFailed
}

// IsEncrypted reports whether a stored value carries the envelope prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, envelopeVersion+":")
}

func sealGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openGCM(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
