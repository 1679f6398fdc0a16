// Package credentials stores the portal session cookie encrypted at rest.
package credentials

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/example/lecturegrab/internal/db"
)

var ErrNoCredential = errors.New("no stored portal cookie")

// Sealer encrypts small secrets with XChaCha20-Poly1305. The nonce is
// prepended to the ciphertext.
type Sealer struct {
	key []byte
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

func (s *Sealer) Seal(plaintext []byte, associated []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, associated), nil
}

func (s *Sealer) Open(sealed []byte, associated []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, associated)
}

// Store keeps one sealed portal cookie per user.
type Store struct {
	db     db.Querier
	sealer *Sealer
}

func NewStore(d db.Querier, s *Sealer) *Store {
	return &Store{db: d, sealer: s}
}

func associated(userID int64) []byte {
	return []byte(fmt.Sprintf("portal-cookie:%d", userID))
}

func (s *Store) Put(ctx context.Context, userID int64, cookie string) error {
	sealed, err := s.sealer.Seal([]byte(cookie), associated(userID))
	if err != nil {
		return err
	}
	return s.db.Exec(ctx, `
INSERT INTO credentials(user_id, sealed) VALUES ($1,$2)
ON CONFLICT (user_id) DO UPDATE SET sealed=EXCLUDED.sealed, updated_at=now()`, userID, sealed)
}

func (s *Store) Get(ctx context.Context, userID int64) (string, error) {
	var sealed []byte
	err := s.db.QueryRow(ctx, `SELECT sealed FROM credentials WHERE user_id=$1`, userID).Scan(&sealed)
	if err != nil {
		if db.IsNotFound(err) {
			return "", ErrNoCredential
		}
		return "", db.WrapNotFound(err)
	}
	pt, err := s.sealer.Open(sealed, associated(userID))
	if err != nil {
		return "", fmt.Errorf("open stored cookie: %w", err)
	}
	return string(pt), nil
}

// Latest returns the most recently stored cookie of any user, for
// single-operator deployments where the server runs tasks on one account.
func (s *Store) Latest(ctx context.Context) (string, error) {
	var userID int64
	var sealed []byte
	err := s.db.QueryRow(ctx, `SELECT user_id, sealed FROM credentials ORDER BY updated_at DESC LIMIT 1`).Scan(&userID, &sealed)
	if err != nil {
		if db.IsNotFound(err) {
			return "", ErrNoCredential
		}
		return "", db.WrapNotFound(err)
	}
	pt, err := s.sealer.Open(sealed, associated(userID))
	if err != nil {
		return "", fmt.Errorf("open stored cookie: %w", err)
	}
	return string(pt), nil
}
