package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

var ErrMalformedHash = errors.New("malformed secret hash")

type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

// Bounds on parameters read back from a stored hash. A record outside them is rejected
// rather than allowed to dictate the cost of a verification.
const (
	maxTime    = 16
	maxMemory  = 512 * 1024
	minKeyLen  = 16
	maxKeyLen  = 128
	minSaltLen = 8
)

var defaultParams = Argon2Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 2,
	KeyLen:  32,
	SaltLen: 16,
}

func HashSecret(secret string) ([]byte, error) {
	return HashSecretWithParams(secret, defaultParams)
}

// HashSecretWithParams encodes secret as $argon2id$v=19$t=..,m=..,p=..$salt$hash.
func HashSecretWithParams(secret string, params Argon2Params) ([]byte, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, params.Time, params.Memory, params.Threads, params.KeyLen)

	result := fmt.Sprintf("$argon2id$v=%d$t=%d,m=%d,p=%d$%s$%s",
		argon2.Version, params.Time, params.Memory, params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))

	return []byte(result), nil
}

// VerifySecret compares secret against an encoded hash in constant time.
func VerifySecret(secret string, encodedHash []byte) (bool, error) {
	params, salt, hash, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(secret), salt, params.Time, params.Memory, params.Threads, params.KeyLen)
	return subtle.ConstantTimeCompare(hash, computed) == 1, nil
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// BurnVerify spends the same work as a real verification. Callers use it for unknown names
// so response timing does not reveal which names exist.
func BurnVerify(secret string) {
	dummyOnce.Do(func() {
		dummyHash, _ = HashSecret("sessiongate-dummy-secret")
	})
	_, _ = VerifySecret(secret, dummyHash)
}

func decodeHash(encoded []byte) (Argon2Params, []byte, []byte, error) {
	// "", "argon2id", "v=19", "t=..,m=..,p=..", salt, hash
	parts := strings.Split(string(encoded), "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}

	var params Argon2Params
	if _, err := fmt.Sscanf(parts[3], "t=%d,m=%d,p=%d", &params.Time, &params.Memory, &params.Threads); err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}

	salt, err := decodeB64(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	hash, err := decodeB64(parts[5])
	if err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("decode hash: %w", err)
	}
	params.SaltLen = uint32(len(salt))
	params.KeyLen = uint32(len(hash))
	if err := params.check(); err != nil {
		return Argon2Params{}, nil, nil, err
	}
	return params, salt, hash, nil
}

func (p Argon2Params) check() error {
	switch {
	case p.Time == 0 || p.Time > maxTime:
		return fmt.Errorf("%w: t=%d", ErrMalformedHash, p.Time)
	case p.Memory < 8*uint32(p.Threads) || p.Memory > maxMemory:
		return fmt.Errorf("%w: m=%d", ErrMalformedHash, p.Memory)
	case p.Threads == 0:
		return fmt.Errorf("%w: p=0", ErrMalformedHash)
	case p.KeyLen < minKeyLen || p.KeyLen > maxKeyLen:
		return fmt.Errorf("%w: key length %d", ErrMalformedHash, p.KeyLen)
	case p.SaltLen < minSaltLen:
		return fmt.Errorf("%w: salt length %d", ErrMalformedHash, p.SaltLen)
	}
	return nil
}

// decodeB64 accepts both padded and unpadded encodings.
func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
