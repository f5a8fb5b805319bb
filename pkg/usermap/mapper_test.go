package usermap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/lark"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/usercache"
)

func newTestMapper(t *testing.T, larkClient lark.Client, domains []string) (*Mapper, usercache.Store) {
	t.Helper()
	store, err := usercache.NewSQLiteStore(filepath.Join(t.TempDir(), "user_cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	mapper, err := NewMapper(store, larkClient, domains, logger)
	require.NoError(t, err)
	return mapper, store
}

func TestUsernameFor(t *testing.T) {
	tests := []struct {
		name   string
		user   map[string]interface{}
		want   string
		wantOK bool
	}{
		{name: "email preferred", user: map[string]interface{}{"emailAddress": "jdoe@corp.example.com", "name": "johnny"}, want: "jdoe", wantOK: true},
		{name: "name fallback", user: map[string]interface{}{"name": "jdoe"}, want: "jdoe", wantOK: true},
		{name: "name trimmed", user: map[string]interface{}{"name": "  jdoe  "}, want: "jdoe", wantOK: true},
		{name: "neither present", user: map[string]interface{}{"displayName": "John"}, want: "", wantOK: false},
		{name: "empty values", user: map[string]interface{}{"emailAddress": "", "name": ""}, want: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := UsernameFor(tt.user)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCandidateEmails(t *testing.T) {
	mapper, _ := newTestMapper(t, lark.NewMockClient(), []string{".ext@corp.example.com", "corp.example.com", "partner.example.com"})

	assert.Equal(t, []string{
		"jdoe.ext@corp.example.com",
		"jdoe@corp.example.com",
		"jdoe@partner.example.com",
	}, mapper.CandidateEmails("jdoe"))
}

func TestResolveUserCacheHit(t *testing.T) {
	mapper, store := newTestMapper(t, lark.NewMockClient(), nil)

	require.NoError(t, store.Set(&usercache.Mapping{
		Username:   "jdoe",
		LarkEmail:  "jdoe@corp.example.com",
		LarkUserID: "ou_abc123",
		LarkName:   "jdoe",
	}))

	refs := mapper.ResolveUser(map[string]interface{}{"name": "jdoe"})
	assert.Equal(t, []map[string]interface{}{{"id": "ou_abc123"}}, refs)
	assert.Empty(t, mapper.ReportPending())
}

func TestResolveUserFirstSightingParksPending(t *testing.T) {
	mapper, store := newTestMapper(t, lark.NewMockClient(), nil)

	refs := mapper.ResolveUser(map[string]interface{}{"emailAddress": "newbie@corp.example.com"})
	assert.Empty(t, refs)

	mapping, err := store.Get("newbie")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.True(t, mapping.IsPending)

	assert.Equal(t, []string{"newbie"}, mapper.ReportPending())
	// Reporting clears the cycle set.
	assert.Empty(t, mapper.ReportPending())
}

func TestResolveUserTombstoneReturnsEmpty(t *testing.T) {
	mapper, store := newTestMapper(t, lark.NewMockClient(), nil)

	require.NoError(t, store.Set(&usercache.Mapping{Username: "ghost", IsEmpty: true}))

	refs := mapper.ResolveUser(map[string]interface{}{"name": "ghost"})
	assert.Empty(t, refs)
	// Tombstone hits never re-enter the pending set.
	assert.Empty(t, mapper.ReportPending())
}

func TestPerformLookupFirstDomainWins(t *testing.T) {
	mock := lark.NewMockClient()
	mock.Users["jdoe.ext@corp.example.com"] = "ou_ext999"
	mock.Users["jdoe@corp.example.com"] = "ou_plain111"

	mapper, store := newTestMapper(t, mock, []string{".ext@corp.example.com", "corp.example.com"})

	mapping, err := mapper.PerformLookup(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.True(t, mapping.Resolved())
	assert.Equal(t, "ou_ext999", mapping.LarkUserID)
	assert.Equal(t, "jdoe.ext@corp.example.com", mapping.LarkEmail)

	stored, err := store.Get("jdoe")
	require.NoError(t, err)
	assert.Equal(t, "ou_ext999", stored.LarkUserID)
}

func TestPerformLookupExhaustionTombstones(t *testing.T) {
	mapper, store := newTestMapper(t, lark.NewMockClient(), []string{"corp.example.com"})

	mapping, err := mapper.PerformLookup(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, mapping.IsEmpty)

	stored, err := store.Get("nobody")
	require.NoError(t, err)
	assert.True(t, stored.IsEmpty)
	assert.False(t, stored.IsPending)
}

func TestResolvePending(t *testing.T) {
	mock := lark.NewMockClient()
	mock.Users["alice@corp.example.com"] = "ou_alice"

	mapper, store := newTestMapper(t, mock, []string{"corp.example.com"})
	require.NoError(t, store.Set(&usercache.Mapping{Username: "alice", IsPending: true}))
	require.NoError(t, store.Set(&usercache.Mapping{Username: "bob", IsPending: true}))

	resolved, total, err := mapper.ResolvePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 2, total)

	alice, err := store.Get("alice")
	require.NoError(t, err)
	assert.True(t, alice.Resolved())

	bob, err := store.Get("bob")
	require.NoError(t, err)
	assert.True(t, bob.IsEmpty)
}

func TestResolveUserAfterLookupUsesResolvedMapping(t *testing.T) {
	mock := lark.NewMockClient()
	mock.Users["carol@corp.example.com"] = "ou_carol"

	mapper, _ := newTestMapper(t, mock, []string{"corp.example.com"})

	// First sighting parks pending.
	assert.Empty(t, mapper.ResolveUser(map[string]interface{}{"name": "carol"}))

	_, _, err := mapper.ResolvePending(context.Background())
	require.NoError(t, err)

	refs := mapper.ResolveUser(map[string]interface{}{"name": "carol"})
	assert.Equal(t, []map[string]interface{}{{"id": "ou_carol"}}, refs)
}
