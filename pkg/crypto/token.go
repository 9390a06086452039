package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Ошибки проверки токена
var (
	ErrEmptyToken    = errors.New("token cannot be empty")
	ErrTokenMismatch = errors.New("token does not match hash")
	ErrInvalidHash   = errors.New("invalid token hash format")
	ErrTokenTooLong  = errors.New("token exceeds maximum length of 72 bytes")
	ErrNoTokenHash   = errors.New("token hash is not configured")
)

// DefaultCost - стоимость bcrypt по умолчанию
const DefaultCost = 12

// MaxTokenLength - ограничение bcrypt (72 байта)
const MaxTokenLength = 72

// HashToken хеширует ops-токен через bcrypt с указанной стоимостью.
// cost вне [bcrypt.MinCost, bcrypt.MaxCost] приводится к границе.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if len(token) > MaxTokenLength {
		return "", ErrTokenTooLong
	}

	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyToken проверяет токен по bcrypt-хешу
func VerifyToken(token, hash string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if hash == "" {
		return ErrInvalidHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrTokenMismatch
		}
		return ErrInvalidHash
	}
	return nil
}

// GenerateToken возвращает случайный токен из n байт в hex
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	if n*2 > MaxTokenLength {
		n = MaxTokenLength / 2
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// TokenVerifier проверяет bearer-токены ops API.
//
// bcrypt вызывается только для ещё не подтверждённого токена: после
// успешной проверки запоминается его SHA-256, последующие запросы
// сравниваются за constant time.
type TokenVerifier struct {
	hash string

	mu       sync.RWMutex
	verified [sha256.Size]byte
	ok       bool
}

// NewTokenVerifier создаёт verifier для bcrypt-хеша
func NewTokenVerifier(hash string) (*TokenVerifier, error) {
	if hash == "" {
		return nil, ErrNoTokenHash
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, ErrInvalidHash
	}
	return &TokenVerifier{hash: hash}, nil
}

// Verify проверяет токен
func (v *TokenVerifier) Verify(token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	sum := sha256.Sum256([]byte(token))

	v.mu.RLock()
	cached := v.ok && subtle.ConstantTimeCompare(sum[:], v.verified[:]) == 1
	v.mu.RUnlock()
	if cached {
		return nil
	}

	if err := VerifyToken(token, v.hash); err != nil {
		return err
	}

	v.mu.Lock()
	v.verified = sum
	v.ok = true
	v.mu.Unlock()
	return nil
}
