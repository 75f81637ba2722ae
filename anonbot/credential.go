package anonbot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"strings"
)

const (
	// DefaultAPICredentialName is the credential created by `anonbot init`
	DefaultAPICredentialName = "default"

	apiTokenMinLength = 16
)

var (
	ErrAPITokenTooShort = fmt.Errorf(
		"API token must be at least %d characters",
		apiTokenMinLength,
	)
	ErrNoAPICredentials = errors.New("no API credentials configured")
)

// APICredential is an argon2id-hashed bearer token for the admin API
type APICredential struct {
	ModelUintID
	Name      string `json:"name" gorm:"not null;uniqueIndex"`
	TokenHash string `json:"-" gorm:"not null" log:"[redacted]"`
	ModelUnixTime
}

func (c APICredential) LogValue() slog.Value {
	return structToSlogValue(c)
}

// SetAPIToken hashes token and stores it under name, replacing any token
// previously stored under that name.
func SetAPIToken(ctx context.Context, db DBI, name string, token string) error {
	if len(strings.TrimSpace(token)) < apiTokenMinLength {
		return ErrAPITokenTooShort
	}
	hashed, err := hashPassword(token)
	if err != nil {
		return fmt.Errorf("error hashing token: %w", err)
	}
	cred := &APICredential{Name: name, TokenHash: hashed}
	_, err = db.Upsert(
		ctx,
		cred,
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"token_hash", "updated_at"}),
		},
	)
	return err
}

// HasAPICredentials reports whether any API token has been set
func HasAPICredentials(ctx context.Context, db *gorm.DB) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&APICredential{}).Count(&count).Error
	return count > 0, err
}

// verifyAPIToken returns the credential matching token. It returns
// [ErrNoAPICredentials] when no token has been set, and [ErrUnauthorized]
// when none match.
func verifyAPIToken(ctx context.Context, db *gorm.DB, token string) (*APICredential, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var creds []APICredential
	if err := db.WithContext(ctx).Find(&creds).Error; err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, ErrNoAPICredentials
	}
	if token == "" {
		return nil, ErrUnauthorized
	}
	for i := range creds {
		ok, err := verifyPassword(creds[i].TokenHash, token)
		if err != nil {
			return nil, fmt.Errorf("error verifying token %q: %w", creds[i].Name, err)
		}
		if ok {
			return &creds[i], nil
		}
	}
	return nil, ErrUnauthorized
}
