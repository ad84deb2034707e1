package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// passwordCost is the bcrypt cost of stored password hashes.
const passwordCost = bcrypt.DefaultCost

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// dummyHash is compared against for unknown users. It has the cost of real
// hashes so both paths take the same time.
var dummyHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("middlewared-unknown-user"), passwordCost)
	return hash
})

func checkPassword(hash, password string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ErrMalformedAPIKey is returned for keys not shaped "<id>-<secret>".
var ErrMalformedAPIKey = errors.New("auth: malformed api key")

// NewAPIKey returns the plaintext key handed to the user once and the
// digest to persist.
func NewAPIKey(id int64) (key, digest string, err error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: api key entropy: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	return strconv.FormatInt(id, 10) + "-" + secret, DigestSecret(secret), nil
}

// SplitAPIKey separates the key id from the secret.
func SplitAPIKey(key string) (int64, string, error) {
	idPart, secret, ok := strings.Cut(key, "-")
	if !ok || secret == "" {
		return 0, "", ErrMalformedAPIKey
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", ErrMalformedAPIKey
	}
	return id, secret, nil
}

// DigestSecret returns the hex SHA-256 digest stored for an API key secret.
func DigestSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func digestMatches(stored, secret string) bool {
	candidate := DigestSecret(secret)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
