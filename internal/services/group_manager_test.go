package services

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/config"
	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

func testGroupManager(t *testing.T, groups map[string]models.GroupConfig, serverIDs []string) (*GroupManager, *config.Store) {
	t.Helper()
	store := config.NewStore(afero.NewMemMapFs(), "/cfg")
	if groups != nil {
		require.NoError(t, store.SaveGroups(groups))
	}
	gm := NewGroupManager(store)
	require.NoError(t, gm.Load(serverIDs))
	return gm, store
}

func TestGroupManagerSynthesizesDefault(t *testing.T) {
	gm, _ := testGroupManager(t, nil, []string{"beta", "alpha"})

	groups := gm.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, DefaultGroupID, groups[0].ID)
	assert.Equal(t, []string{"alpha", "beta"}, groups[0].Servers)

	ids, err := gm.ServerIDs(DefaultGroupID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, ids)
}

func TestGroupManagerUserDefinedDefaultWins(t *testing.T) {
	gm, _ := testGroupManager(t, map[string]models.GroupConfig{
		"default": {ID: "default", Name: "mine", Servers: []string{"alpha"}},
	}, []string{"alpha", "beta"})

	groups := gm.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, "mine", groups[0].Name)

	ids, err := gm.ServerIDs(DefaultGroupID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, ids)
}

func TestGroupManagerIgnoresUnknownRefs(t *testing.T) {
	gm, store := testGroupManager(t, map[string]models.GroupConfig{
		"team": {ID: "team", Servers: []string{"alpha", "ghost"}},
	}, []string{"alpha"})

	// Runtime resolution drops the dangling reference.
	ids, err := gm.ServerIDs("team")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, ids)

	// But the file keeps it, so a later save is not destructive.
	require.NoError(t, gm.SetAccessKey("team", "secret"))
	saved, err := store.LoadGroups()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "ghost"}, saved["team"].Servers)
}

func TestGroupManagerGroupNotFound(t *testing.T) {
	gm, _ := testGroupManager(t, nil, []string{"alpha"})

	_, err := gm.Group("nope")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeGroupNotFound, mcperr.CodeOf(err))
}

func TestGroupManagerAllowsTool(t *testing.T) {
	gm, _ := testGroupManager(t, map[string]models.GroupConfig{
		"open":     {ID: "open", Servers: []string{"alpha"}},
		"filtered": {ID: "filtered", Servers: []string{"alpha"}, Tools: []string{"echo"}},
	}, []string{"alpha"})

	assert.True(t, gm.AllowsTool("open", "anything"))
	assert.True(t, gm.AllowsTool("filtered", "echo"))
	assert.False(t, gm.AllowsTool("filtered", "other"))
	assert.False(t, gm.AllowsTool("missing", "echo"))
}

func TestGroupManagerCreateUpdateDelete(t *testing.T) {
	gm, store := testGroupManager(t, nil, []string{"alpha", "beta"})

	require.NoError(t, gm.CreateGroup(models.GroupConfig{ID: "team", Servers: []string{"alpha"}}))

	err := gm.CreateGroup(models.GroupConfig{ID: "team"})
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeConfigError, mcperr.CodeOf(err))

	err = gm.CreateGroup(models.GroupConfig{ID: ""})
	require.Error(t, err)

	err = gm.CreateGroup(models.GroupConfig{ID: "broken", Servers: []string{"ghost"}})
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeInvalidGroupReference, mcperr.CodeOf(err))

	require.NoError(t, gm.UpdateGroup(models.GroupConfig{ID: "team", Servers: []string{"alpha", "beta"}}))
	ids, err := gm.ServerIDs("team")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, ids)

	err = gm.UpdateGroup(models.GroupConfig{ID: "nope"})
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeGroupNotFound, mcperr.CodeOf(err))

	saved, err := store.LoadGroups()
	require.NoError(t, err)
	require.Contains(t, saved, "team")
	assert.Equal(t, []string{"alpha", "beta"}, saved["team"].Servers)

	require.NoError(t, gm.DeleteGroup("team"))
	_, err = gm.Group("team")
	require.Error(t, err)

	err = gm.DeleteGroup(DefaultGroupID)
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeConfigError, mcperr.CodeOf(err))
}

func TestGroupManagerUpdatePreservesKey(t *testing.T) {
	gm, _ := testGroupManager(t, map[string]models.GroupConfig{
		"team": {ID: "team", Servers: []string{"alpha"}},
	}, []string{"alpha"})

	require.NoError(t, gm.SetAccessKey("team", "secret"))
	require.NoError(t, gm.UpdateGroup(models.GroupConfig{ID: "team", Servers: []string{"alpha"}, Tools: []string{"echo"}}))

	assert.True(t, gm.RequiresKey("team"))
	require.NoError(t, gm.VerifyAccessKey("team", "secret"))
}

func TestGroupManagerAccessKeys(t *testing.T) {
	gm, store := testGroupManager(t, map[string]models.GroupConfig{
		"team": {ID: "team", Servers: []string{"alpha"}},
	}, []string{"alpha"})

	// Without a key everything passes.
	assert.False(t, gm.RequiresKey("team"))
	require.NoError(t, gm.VerifyAccessKey("team", "whatever"))

	require.NoError(t, gm.SetAccessKey("team", "secret"))
	assert.True(t, gm.RequiresKey("team"))
	require.NoError(t, gm.VerifyAccessKey("team", "secret"))

	err := gm.VerifyAccessKey("team", "wrong")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeAuthFailed, mcperr.CodeOf(err))

	// Only the hash ever reaches disk.
	saved, err := store.LoadGroups()
	require.NoError(t, err)
	require.NotNil(t, saved["team"].Validation)
	assert.Equal(t, hashAccessKey("secret"), saved["team"].Validation.KeyHash)
	assert.NotContains(t, saved["team"].Validation.KeyHash, "secret")

	err = gm.SetAccessKey("team", "")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeConfigError, mcperr.CodeOf(err))

	err = gm.SetAccessKey("nope", "secret")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeGroupNotFound, mcperr.CodeOf(err))
}

func TestGroupManagerRotateAccessKey(t *testing.T) {
	gm, _ := testGroupManager(t, map[string]models.GroupConfig{
		"team": {ID: "team", Servers: []string{"alpha"}},
	}, []string{"alpha"})

	require.NoError(t, gm.SetAccessKey("team", "old"))

	key, err := gm.RotateAccessKey("team")
	require.NoError(t, err)
	assert.Len(t, key, 64)

	require.NoError(t, gm.VerifyAccessKey("team", key))
	err = gm.VerifyAccessKey("team", "old")
	require.Error(t, err)

	require.NoError(t, gm.DeleteAccessKey("team"))
	assert.False(t, gm.RequiresKey("team"))
	require.NoError(t, gm.VerifyAccessKey("team", "anything"))
}

func TestGroupManagerKeyOnSyntheticDefault(t *testing.T) {
	gm, store := testGroupManager(t, nil, []string{"alpha"})

	require.NoError(t, gm.SetAccessKey(DefaultGroupID, "secret"))
	assert.True(t, gm.RequiresKey(DefaultGroupID))

	// Keying the synthesized group writes it into group.json.
	saved, err := store.LoadGroups()
	require.NoError(t, err)
	require.Contains(t, saved, DefaultGroupID)
	assert.Equal(t, []string{"alpha"}, saved[DefaultGroupID].Servers)
}

func TestGroupManagerReload(t *testing.T) {
	gm, store := testGroupManager(t, map[string]models.GroupConfig{
		"team": {ID: "team", Servers: []string{"alpha"}},
	}, []string{"alpha", "beta"})

	require.NoError(t, store.SaveGroups(map[string]models.GroupConfig{
		"team":  {ID: "team", Servers: []string{"beta"}},
		"fresh": {ID: "fresh", Servers: []string{"alpha"}},
	}))
	require.NoError(t, gm.Reload([]string{"alpha", "beta"}))

	ids, err := gm.ServerIDs("team")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, ids)
	assert.Len(t, gm.Groups(), 3)
}
