package anonbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"strings"
)

// AdminRecord grants [PrivilegeAdmin] to a user. Records are hard-deleted
// on removal, so a user can be re-added later.
type AdminRecord struct {
	ModelUintID
	UserID    string `json:"user_id" gorm:"not null;uniqueIndex"`
	AddedBy   string `json:"added_by"`
	CreatedAt int64  `json:"created_at,omitempty" gorm:"autoCreateTime:milli"`
}

func (a AdminRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUserID, a.UserID),
		slog.String("added_by", a.AddedBy),
	)
}

// AdminRegistry resolves user privileges, from the persisted set of
// admins and the statically configured god admins.
type AdminRegistry struct {
	db        DBI
	godAdmins map[string]struct{}
	logger    *slog.Logger
}

// NewAdminRegistry returns an AdminRegistry with the given god admin IDs.
// IDs are trimmed, and empty entries are ignored. Entries containing
// commas are split, so a single comma-separated string may be passed.
func NewAdminRegistry(db DBI, godAdmins []string, logger *slog.Logger) *AdminRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminRegistry{
		db:        db,
		godAdmins: parseGodAdmins(godAdmins),
		logger:    logger.With(loggerNameKey, "admin_registry"),
	}
}

func parseGodAdmins(ids []string) map[string]struct{} {
	m := map[string]struct{}{}
	for _, entry := range ids {
		for _, id := range strings.Split(entry, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			m[id] = struct{}{}
		}
	}
	return m
}

// IsGodAdmin reports whether userID is a configured god admin
func (r *AdminRegistry) IsGodAdmin(userID string) bool {
	_, ok := r.godAdmins[userID]
	return ok
}

// GodAdmins returns the configured god admin IDs, in no particular order
func (r *AdminRegistry) GodAdmins() []string {
	ids := make([]string, 0, len(r.godAdmins))
	for id := range r.godAdmins {
		ids = append(ids, id)
	}
	return ids
}

// IsAdmin reports whether an [AdminRecord] exists for userID. God admins
// without a record are not considered admins here.
func (r *AdminRegistry) IsAdmin(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var count int64
	err := r.db.DB().WithContext(ctx).
		Model(&AdminRecord{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("error checking admin: %w", err)
	}
	return count > 0, nil
}

// ResolvePrivilege returns the highest privilege held by userID
func (r *AdminRegistry) ResolvePrivilege(ctx context.Context, userID string) (Privilege, error) {
	if r.IsGodAdmin(userID) {
		return PrivilegeGod, nil
	}
	isAdmin, err := r.IsAdmin(ctx, userID)
	if err != nil {
		return PrivilegeMember, err
	}
	if isAdmin {
		return PrivilegeAdmin, nil
	}
	return PrivilegeMember, nil
}

// Add grants admin to userID, returning [ErrAlreadyAdmin] if they
// already have it
func (r *AdminRegistry) Add(ctx context.Context, userID string, addedBy string) (
	*AdminRecord,
	error,
) {
	rec := &AdminRecord{UserID: userID, AddedBy: addedBy}
	rows, err := r.db.CreateIfAbsent(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("error adding admin: %w", err)
	}
	if rows == 0 {
		return nil, ErrAlreadyAdmin
	}
	r.logger.InfoContext(ctx, "added admin", "admin", rec)
	return rec, nil
}

// Remove revokes admin from userID, returning [ErrNotAdmin] if they
// don't have it
func (r *AdminRegistry) Remove(ctx context.Context, userID string) error {
	rows, err := r.db.Delete(ctx, &AdminRecord{}, "user_id = ?", userID)
	if err != nil {
		r.logger.ErrorContext(ctx, "error removing admin", tint.Err(err))
		return fmt.Errorf("error removing admin: %w", err)
	}
	if rows == 0 {
		return ErrNotAdmin
	}
	r.logger.InfoContext(ctx, "removed admin", columnUserID, userID)
	return nil
}

// Get returns the [AdminRecord] for userID, or [ErrNotFound]
func (r *AdminRegistry) Get(ctx context.Context, userID string) (*AdminRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var rec AdminRecord
	err := r.db.DB().WithContext(ctx).Where("user_id = ?", userID).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting admin: %w", err)
	}
	return &rec, nil
}

// List returns all admins, oldest first
func (r *AdminRegistry) List(ctx context.Context) ([]AdminRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var records []AdminRecord
	if err := r.db.DB().WithContext(ctx).Order("id asc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("error listing admins: %w", err)
	}
	return records, nil
}

// Count returns the number of persisted admins
func (r *AdminRegistry) Count(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var count int64
	if err := r.db.DB().WithContext(ctx).Model(&AdminRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("error counting admins: %w", err)
	}
	return count, nil
}
