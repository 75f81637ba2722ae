package anonbot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
)

// ChannelPolicy designates the single channel in a guild where anonymous
// messages may be relayed.
type ChannelPolicy struct {
	ModelUintID
	GuildID   string `json:"guild_id" gorm:"not null;uniqueIndex"`
	ChannelID string `json:"channel_id" gorm:"not null"`
	SetBy     string `json:"set_by"`
	CreatedAt int64  `json:"created_at,omitempty" gorm:"autoCreateTime:milli"`
	UpdatedAt int64  `json:"updated_at,omitempty" gorm:"autoUpdateTime:milli"`
}

func (c ChannelPolicy) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnGuildID, c.GuildID),
		slog.String("channel_id", c.ChannelID),
		slog.String("set_by", c.SetBy),
	)
}

type ChannelPolicyStore struct {
	db     DBI
	logger *slog.Logger
}

func NewChannelPolicyStore(db DBI, logger *slog.Logger) *ChannelPolicyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelPolicyStore{
		db:     db,
		logger: logger.With(loggerNameKey, "channel_policy_store"),
	}
}

// Set designates channelID as the guild's anonymous channel, replacing
// any previous designation.
func (s *ChannelPolicyStore) Set(
	ctx context.Context,
	guildID string,
	channelID string,
	setBy string,
) (*ChannelPolicy, error) {
	policy := &ChannelPolicy{
		GuildID:   guildID,
		ChannelID: channelID,
		SetBy:     setBy,
	}
	_, err := s.db.Upsert(
		ctx,
		policy,
		clause.OnConflict{
			Columns: []clause.Column{{Name: columnGuildID}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"channel_id", "set_by", "updated_at"},
			),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error setting channel policy: %w", err)
	}
	s.logger.InfoContext(ctx, "set channel policy", "channel_policy", policy)
	return s.Get(ctx, guildID)
}

// Get returns the guild's channel policy, or [ErrNotFound]
func (s *ChannelPolicyStore) Get(ctx context.Context, guildID string) (*ChannelPolicy, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var policy ChannelPolicy
	err := s.db.DB().WithContext(ctx).Where("guild_id = ?", guildID).Take(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting channel policy: %w", err)
	}
	return &policy, nil
}
