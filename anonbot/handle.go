package anonbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"strings"
	"unicode"
)

const (
	// handleSchemaVersionUnscoped marks records written before handles
	// were scoped per guild. These have an empty guild ID.
	handleSchemaVersionUnscoped = 1
	handleSchemaVersion         = 2

	handleMaxLength = 32

	columnGuildID = "guild_id"
	columnUserID  = "user_id"
)

// handleValidationTag rejects characters which would break the
// `**handle:**` relay format, or be rendered as a mention.
// 0x7C is an escaped '|'.
var handleValidationTag = fmt.Sprintf(
	"required,max=%d,excludesall=*_`~0x7C<>@#:",
	handleMaxLength,
)

// HandleRecord maps a Discord user to their chosen handle within a guild.
// Records are immutable once created.
//
//nolint:lll // struct tags can't be split
type HandleRecord struct {
	ModelUintID
	GuildID       string `json:"guild_id" gorm:"not null;default:'';uniqueIndex:idx_handle_guild_handle,priority:1;uniqueIndex:idx_handle_guild_user,priority:1"`
	UserID        string `json:"user_id" gorm:"not null;uniqueIndex:idx_handle_guild_user,priority:2"`
	Handle        string `json:"handle" gorm:"not null;uniqueIndex:idx_handle_guild_handle,priority:2"`
	SchemaVersion int    `json:"schema_version" gorm:"not null;default:2"`
	ModelUnixTime
}

func (h HandleRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnGuildID, h.GuildID),
		slog.String(columnUserID, h.UserID),
		slog.String("handle", h.Handle),
		slog.Int("schema_version", h.SchemaVersion),
	)
}

// ValidateHandle returns [ErrInvalidHandle] if the handle is empty, longer
// than 32 characters, contains whitespace, or contains Discord markdown or
// mention characters.
func ValidateHandle(handle string) error {
	if strings.IndexFunc(handle, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: must not contain whitespace", ErrInvalidHandle)
	}
	if err := structValidator.Var(handle, handleValidationTag); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	return nil
}

// HandleStore persists [HandleRecord]. Uniqueness of (guild, handle) and
// (guild, user) is enforced by the database, not by this type.
type HandleStore struct {
	db     DBI
	logger *slog.Logger
}

func NewHandleStore(db DBI, logger *slog.Logger) *HandleStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HandleStore{db: db, logger: logger.With(loggerNameKey, "handle_store")}
}

// Create assigns handle to the user in the given guild.
//
// The insert is a single INSERT ... ON CONFLICT DO NOTHING, so two
// concurrent attempts at the same handle can't both succeed. When nothing
// is inserted, [ErrHandleAlreadySet] is returned if the user already has
// a handle in the guild, otherwise [ErrHandleTaken].
func (s *HandleStore) Create(
	ctx context.Context,
	guildID string,
	userID string,
	handle string,
) (*HandleRecord, error) {
	handle = strings.TrimSpace(handle)
	if err := ValidateHandle(handle); err != nil {
		return nil, err
	}

	rec := &HandleRecord{
		GuildID:       guildID,
		UserID:        userID,
		Handle:        handle,
		SchemaVersion: handleSchemaVersion,
	}
	rows, err := s.db.CreateIfAbsent(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("error creating handle: %w", err)
	}
	if rows > 0 {
		s.logger.InfoContext(ctx, "created handle", "handle_record", rec)
		return rec, nil
	}

	_, lookupErr := s.LookupByUser(ctx, guildID, userID)
	switch {
	case lookupErr == nil:
		return nil, ErrHandleAlreadySet
	case errors.Is(lookupErr, ErrNotFound):
		return nil, ErrHandleTaken
	default:
		return nil, lookupErr
	}
}

// LookupByUser returns the user's handle in the guild, or [ErrNotFound]
func (s *HandleStore) LookupByUser(
	ctx context.Context,
	guildID string,
	userID string,
) (*HandleRecord, error) {
	return s.take(ctx, "guild_id = ? AND user_id = ?", guildID, userID)
}

// LookupByHandle returns the record holding the exact (case-sensitive)
// handle in the guild, or [ErrNotFound]
func (s *HandleStore) LookupByHandle(
	ctx context.Context,
	guildID string,
	handle string,
) (*HandleRecord, error) {
	return s.take(ctx, "guild_id = ? AND handle = ?", guildID, handle)
}

func (s *HandleStore) take(
	ctx context.Context,
	query string,
	args ...any,
) (*HandleRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var rec HandleRecord
	err := s.db.DB().WithContext(ctx).Where(query, args...).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error looking up handle: %w", err)
	}
	return &rec, nil
}

// List returns every handle in the guild, oldest first
func (s *HandleStore) List(ctx context.Context, guildID string) ([]HandleRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var records []HandleRecord
	err := s.db.DB().WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("created_at asc, id asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("error listing handles: %w", err)
	}
	return records, nil
}

// Count returns the number of handles in the guild
func (s *HandleStore) Count(ctx context.Context, guildID string) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var count int64
	err := s.db.DB().WithContext(ctx).
		Model(&HandleRecord{}).
		Where("guild_id = ?", guildID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("error counting handles: %w", err)
	}
	return count, nil
}

// Backfill assigns guildID to records created before handles were scoped
// per guild. Records which would collide with an existing handle or user
// in that guild are skipped and logged. Returns the number of records
// updated.
func (s *HandleStore) Backfill(ctx context.Context, guildID string) (int64, error) {
	if guildID == "" {
		return 0, errors.New("backfill requires a guild ID")
	}
	var updated int64
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var legacy []HandleRecord
			if err := tx.Where(
				"guild_id = ? AND schema_version < ?",
				"", handleSchemaVersion,
			).Order("id asc").Find(&legacy).Error; err != nil {
				return err
			}

			for _, rec := range legacy {
				var conflicts int64
				if err := tx.Model(&HandleRecord{}).Where(
					"guild_id = ? AND (handle = ? OR user_id = ?)",
					guildID, rec.Handle, rec.UserID,
				).Count(&conflicts).Error; err != nil {
					return err
				}
				if conflicts > 0 {
					s.logger.WarnContext(
						ctx,
						"skipping legacy handle, conflicts with existing record",
						"handle_record", rec,
					)
					continue
				}
				rv := tx.Model(&HandleRecord{}).Where("id = ?", rec.ID).Updates(
					map[string]any{
						columnGuildID:    guildID,
						"schema_version": handleSchemaVersion,
					},
				)
				if rv.Error != nil {
					return rv.Error
				}
				updated += rv.RowsAffected
			}
			return nil
		},
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "error backfilling handles", tint.Err(err))
		return 0, fmt.Errorf("error backfilling handles: %w", err)
	}
	if updated > 0 {
		s.logger.InfoContext(
			ctx,
			"backfilled legacy handles",
			"guild_id", guildID,
			"count", updated,
		)
	}
	return updated, nil
}
