package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forecastline/internal/domain"
	"forecastline/internal/repo"
)

// KeyPrefix marks forecastline API keys so they are recognisable in logs
// and secret scanners.
const KeyPrefix = "fl_"

// UnauthorizedError indicates a missing or unknown credential.
type UnauthorizedError struct {
	Reason string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

// Service issues and verifies API keys. Only hashes are stored.
type Service struct {
	Repo repo.Repo
	Now  func() time.Time
}

// GenerateKey returns a new random plaintext key.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// Create stores a new key for actorID inside tx and returns the record with
// the plaintext key. The plaintext is not retrievable later.
func (s Service) Create(ctx context.Context, tx *sql.Tx, actorID, name string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", domain.InvalidParameterf("actor_id required")
	}
	plain, err := GenerateKey()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// Authenticate resolves a plaintext key to its actor.
func (s Service) Authenticate(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", UnauthorizedError{Reason: "api key required"}
	}
	rec, err := s.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", UnauthorizedError{Reason: "invalid api key"}
		}
		return "", err
	}
	return rec.ActorID, nil
}
