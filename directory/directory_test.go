package directory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridpresence/grid"
)

func openTemp(t *testing.T) *Directory {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNPCSeeds(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)

	require.NoError(t, d.Put(ctx, Profile{ID: "npc-guide", DisplayName: "Guide", AvatarKey: "guide", IsNPC: true, Seed: &grid.Position{X: 3, Y: 3}, Dir: grid.DirDefault}))
	require.NoError(t, d.Put(ctx, Profile{ID: "npc-chef", DisplayName: "Chef", IsNPC: true, Seed: &grid.Position{X: 99, Y: 4}}))
	require.NoError(t, d.Put(ctx, Profile{ID: "npc-unplaced", IsNPC: true}))
	require.NoError(t, d.Put(ctx, Profile{ID: "u1", DisplayName: "Alice", Seed: &grid.Position{X: 1, Y: 1}}))

	seeds, err := d.NPCSeeds(ctx, grid.DefaultBounds())
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	assert.Equal(t, "npc-chef", seeds[0].Identity.ID)
	assert.Equal(t, grid.Position{X: 23, Y: 4}, seeds[0].Position)
	assert.Equal(t, grid.DirDown, seeds[0].Direction)

	assert.Equal(t, "npc-guide", seeds[1].Identity.ID)
	assert.True(t, seeds[1].Identity.IsNPC)
	assert.Equal(t, grid.DirDefault, seeds[1].Direction)
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	require.NoError(t, d.Put(ctx, Profile{ID: "u1", DisplayName: "Alice"}))

	require.NoError(t, d.SetStatus(ctx, "u1", "in a meeting"))
	p, err := d.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "in a meeting", p.StatusText)
	assert.Nil(t, p.Seed)

	assert.ErrorIs(t, d.SetStatus(ctx, "ghost", "x"), ErrNotFound)
	_, err = d.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutUpserts(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	require.NoError(t, d.Put(ctx, Profile{ID: "u1", DisplayName: "Alice"}))
	require.NoError(t, d.Put(ctx, Profile{ID: "u1", DisplayName: "Alice B."}))

	p, err := d.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice B.", p.DisplayName)
	assert.Error(t, d.Put(ctx, Profile{}))
}
