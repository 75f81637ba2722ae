package anonbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"sync"
	"testing"
)

func newTestHandleStore(t testing.TB) *HandleStore {
	t.Helper()
	db := setupTestDB(t)
	return NewHandleStore(NewDatabase(db, nil, false), nil)
}

func TestHandleStore_CreateLookup(t *testing.T) {
	t.Parallel()
	store := newTestHandleStore(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, testGuildID, "1", "  ghost ")
	require.NoError(t, err)
	assert.Equal(t, "ghost", rec.Handle)
	assert.Equal(t, handleSchemaVersion, rec.SchemaVersion)
	assert.NotZero(t, rec.ID)

	byUser, err := store.LookupByUser(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byUser.ID)
	assert.Equal(t, "ghost", byUser.Handle)

	byHandle, err := store.LookupByHandle(ctx, testGuildID, "ghost")
	require.NoError(t, err)
	assert.Equal(t, "1", byHandle.UserID)

	_, err = store.LookupByHandle(ctx, testGuildID, "Ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.LookupByUser(ctx, "other-guild", "1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleStore_CreateTaken(t *testing.T) {
	t.Parallel()
	store := newTestHandleStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, testGuildID, "1", "ghost")
	require.NoError(t, err)

	_, err = store.Create(ctx, testGuildID, "2", "ghost")
	assert.ErrorIs(t, err, ErrHandleTaken)

	_, err = store.LookupByUser(ctx, testGuildID, "2")
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := store.Count(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestHandleStore_CreateAlreadySet(t *testing.T) {
	t.Parallel()
	store := newTestHandleStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, testGuildID, "1", "ghost")
	require.NoError(t, err)

	_, err = store.Create(ctx, testGuildID, "1", "phantom")
	assert.ErrorIs(t, err, ErrHandleAlreadySet)

	// the same user re-requesting their own handle is also rejected
	_, err = store.Create(ctx, testGuildID, "1", "ghost")
	assert.ErrorIs(t, err, ErrHandleAlreadySet)

	rec, err := store.LookupByUser(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.Equal(t, "ghost", rec.Handle)
}

func TestHandleStore_GuildScoped(t *testing.T) {
	t.Parallel()
	store := newTestHandleStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "guild-a", "1", "ghost")
	require.NoError(t, err)

	// same handle, different guild and user
	_, err = store.Create(ctx, "guild-b", "2", "ghost")
	require.NoError(t, err)

	// same user, different guild
	rec, err := store.Create(ctx, "guild-b", "1", "phantom")
	require.NoError(t, err)
	assert.Equal(t, "guild-b", rec.GuildID)

	a, err := store.LookupByHandle(ctx, "guild-a", "ghost")
	require.NoError(t, err)
	assert.Equal(t, "1", a.UserID)

	b, err := store.LookupByHandle(ctx, "guild-b", "ghost")
	require.NoError(t, err)
	assert.Equal(t, "2", b.UserID)
}

func TestHandleStore_CreateConcurrent(t *testing.T) {
	t.Parallel()
	store := newTestHandleStore(t)
	ctx := context.Background()

	const attempts = 10
	errs := make([]error, attempts)

	wg := sync.WaitGroup{}
	for n := 0; n < attempts; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = store.Create(ctx, testGuildID, fmt.Sprintf("%d", n+1), "ghost")
		}(n)
	}
	wg.Wait()

	var created, taken int
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrHandleTaken):
			taken++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, attempts-1, taken)

	records, err := store.List(ctx, testGuildID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestValidateHandle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handle  string
		wantErr bool
	}{
		{"simple", "ghost", false},
		{"digits", "anon1234", false},
		{"unicode", "fantôme", false},
		{"max length", strings.Repeat("a", handleMaxLength), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", handleMaxLength+1), true},
		{"space", "two words", true},
		{"tab", "tab\there", true},
		{"bold", "**ghost**", true},
		{"underscore", "ghost_", true},
		{"backtick", "`ghost`", true},
		{"strikethrough", "~~ghost~~", true},
		{"spoiler", "||ghost||", true},
		{"mention", "<@123>", true},
		{"everyone", "@everyone", true},
		{"channel", "#general", true},
		{"colon", "gh:ost", true},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				err := ValidateHandle(tt.handle)
				if tt.wantErr {
					assert.ErrorIs(t, err, ErrInvalidHandle)
				} else {
					assert.NoError(t, err)
				}
			},
		)
	}
}

func TestHandleStore_CreateInvalid(t *testing.T) {
	t.Parallel()
	store := newTestHandleStore(t)

	_, err := store.Create(context.Background(), testGuildID, "1", "   ")
	assert.ErrorIs(t, err, ErrInvalidHandle)

	count, err := store.Count(context.Background(), testGuildID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandleStore_List(t *testing.T) {
	t.Parallel()
	store := newTestHandleStore(t)
	ctx := context.Background()

	for n, h := range []string{"first", "second", "third"} {
		_, err := store.Create(ctx, testGuildID, fmt.Sprintf("%d", n+1), h)
		require.NoError(t, err)
	}
	_, err := store.Create(ctx, "other-guild", "1", "elsewhere")
	require.NoError(t, err)

	records, err := store.List(ctx, testGuildID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "first", records[0].Handle)
	assert.Equal(t, "second", records[1].Handle)
	assert.Equal(t, "third", records[2].Handle)

	empty, err := store.List(ctx, "no-such-guild")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestHandleStore_Backfill(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	store := NewHandleStore(NewDatabase(db, nil, false), nil)
	ctx := context.Background()

	for _, rec := range []*HandleRecord{
		{UserID: "1", Handle: "oldtimer", SchemaVersion: handleSchemaVersionUnscoped},
		{UserID: "2", Handle: "ghost", SchemaVersion: handleSchemaVersionUnscoped},
		{UserID: "3", Handle: "veteran", SchemaVersion: handleSchemaVersionUnscoped},
	} {
		require.NoError(t, db.Create(rec).Error)
	}

	// 'ghost' is already claimed in the guild by someone else, so the
	// legacy record is left alone
	_, err := store.Create(ctx, testGuildID, "9", "ghost")
	require.NoError(t, err)

	unscoped, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), unscoped)

	updated, err := store.Backfill(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	rec, err := store.LookupByUser(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.Equal(t, "oldtimer", rec.Handle)
	assert.Equal(t, handleSchemaVersion, rec.SchemaVersion)

	_, err = store.LookupByUser(ctx, testGuildID, "2")
	assert.ErrorIs(t, err, ErrNotFound)

	unscoped, err = store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unscoped)

	// running again is a no-op
	updated, err = store.Backfill(ctx, testGuildID)
	require.NoError(t, err)
	assert.Zero(t, updated)

	_, err = store.Backfill(ctx, "")
	assert.Error(t, err)
}
