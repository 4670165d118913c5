package cancel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenIsMonotonic(t *testing.T) {
	t.Parallel()

	tok := New()
	require.False(t, tok.Stopped())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.RequestStop()
		}()
	}
	wg.Wait()

	require.True(t, tok.Stopped())
	tok.RequestStop()
	require.True(t, tok.Stopped())
}

func TestTokensAreIndependent(t *testing.T) {
	t.Parallel()

	a, b := New(), New()
	a.RequestStop()
	require.True(t, a.Stopped())
	require.False(t, b.Stopped())
}
