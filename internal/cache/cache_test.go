package cache_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clara/internal/cache"
	"github.com/clara-ai/clara/internal/model"
)

func TestNoopAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	var c cache.Cache = cache.Noop{}

	require.NoError(t, c.Set(ctx, "k", map[string]any{"a": 1}, cache.ManifestTTL))

	var dest map[string]any
	found, err := c.Get(ctx, "k", &dest)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Delete(ctx, "k", "other"))
}

func TestKeyHelpers(t *testing.T) {
	userID := uuid.MustParse("0e3de747-6845-4649-a9ab-4a7a837a2b20")

	key := cache.ManifestKey(model.ManifestKey{AgentID: "coach", Version: "1.0.0"})
	assert.Equal(t, "manifest:coach:1.0.0", key)

	assert.Equal(t, "installations:"+userID.String(), cache.InstallationsKey(userID))
	assert.Equal(t, "shared:"+userID.String(), cache.SharedContextKey(userID))
}
