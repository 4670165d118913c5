package uuid

import (
	"sort"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobIDsAreVersion7(t *testing.T) {
	t.Parallel()

	id, err := New().NewID()
	require.NoError(t, err)
	parsed, err := goUUID.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestJobIDsSortBySubmission(t *testing.T) {
	t.Parallel()

	ids := New()
	issued := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		id, err := ids.NewID()
		require.NoError(t, err)
		issued = append(issued, id)
	}
	assert.True(t, sort.StringsAreSorted(issued))

	seen := make(map[string]struct{}, len(issued))
	for _, id := range issued {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, len(issued))
}
