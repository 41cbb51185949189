package uuid

import (
	"testing"
	"time"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIDs_AreUniqueV7(t *testing.T) {
	t.Parallel()

	ids := New()
	id1, err := ids.NewID()
	require.NoError(t, err)
	id2, err := ids.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestStartedAt(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	id, err := New().NewID()
	require.NoError(t, err)

	started, ok := StartedAt(id)
	require.True(t, ok)
	assert.WithinRange(t, started, before, time.Now().UTC().Add(time.Second))
	assert.Equal(t, time.UTC, started.Location())
}

func TestStartedAt_RejectsOtherIDs(t *testing.T) {
	t.Parallel()

	_, ok := StartedAt("not-a-uuid")
	assert.False(t, ok)
	_, ok = StartedAt(goUUID.NewString())
	assert.False(t, ok, "v4 ids carry no timestamp")
	_, ok = StartedAt("")
	assert.False(t, ok)
}
