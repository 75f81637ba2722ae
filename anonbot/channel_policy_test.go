package anonbot

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestChannelPolicyStore(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	store := NewChannelPolicyStore(NewDatabase(db, nil, false), nil)
	ctx := context.Background()

	_, err := store.Get(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrNotFound)

	policy, err := store.Set(ctx, testGuildID, "555", "1")
	require.NoError(t, err)
	assert.Equal(t, testGuildID, policy.GuildID)
	assert.Equal(t, "555", policy.ChannelID)
	assert.Equal(t, "1", policy.SetBy)

	// setting again replaces the existing policy
	policy, err = store.Set(ctx, testGuildID, "666", "2")
	require.NoError(t, err)
	assert.Equal(t, "666", policy.ChannelID)
	assert.Equal(t, "2", policy.SetBy)

	var count int64
	require.NoError(t, db.Model(&ChannelPolicy{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	got, err := store.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "666", got.ChannelID)

	_, err = store.Get(ctx, "other-guild")
	assert.ErrorIs(t, err, ErrNotFound)
}
