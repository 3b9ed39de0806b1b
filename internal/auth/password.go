package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Params are the Argon2id cost settings encoded into every hash.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	KeyLen      uint32
}

// DefaultParams suit small single-node deployments.
var DefaultParams = Params{Memory: 32 * 1024, Iterations: 2, Parallelism: 1, KeyLen: 32}

const saltLen = 16

var errMalformedHash = errors.New("malformed password hash")

func HashPassword(pw string) (string, error) {
	return hashWith(DefaultParams, pw)
}

func hashWith(p Params, pw string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(pw), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Iterations,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

type decoded struct {
	params Params
	salt   []byte
	key    []byte
}

func decode(encoded string) (decoded, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return decoded{}, errMalformedHash
	}
	var out decoded
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &out.params.Memory, &out.params.Iterations, &out.params.Parallelism); err != nil {
		return decoded{}, errMalformedHash
	}
	var err error
	if out.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return decoded{}, errMalformedHash
	}
	if out.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(out.key) == 0 {
		return decoded{}, errMalformedHash
	}
	out.params.KeyLen = uint32(len(out.key))
	return out, nil
}

func VerifyPassword(encoded, pw string) bool {
	d, err := decode(encoded)
	if err != nil {
		return false
	}
	other := argon2.IDKey([]byte(pw), d.salt, d.params.Iterations, d.params.Memory, d.params.Parallelism, d.params.KeyLen)
	return subtle.ConstantTimeCompare(d.key, other) == 1
}

// NeedsRehash reports whether encoded was produced with settings other
// than DefaultParams.
func NeedsRehash(encoded string) bool {
	d, err := decode(encoded)
	return err != nil || d.params != DefaultParams
}
