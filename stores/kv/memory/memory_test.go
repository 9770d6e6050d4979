package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-network/lattice/errors"
)

func TestMemoryStore(t *testing.T) {
	s := New()

	_, err := s.Get([]byte("missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	ok, err := s.Has([]byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete([]byte("a")))
	ok, err = s.Has([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("batch writes atomically visible", func(t *testing.T) {
		b := s.NewBatch()
		b.Put([]byte("x:1"), []byte("one"))
		b.Put([]byte("x:2"), []byte("two"))
		b.Delete([]byte("x:1"))
		require.NoError(t, b.Write())

		ok, _ := s.Has([]byte("x:1"))
		assert.False(t, ok)
		ok, _ = s.Has([]byte("x:2"))
		assert.True(t, ok)
	})

	t.Run("prefix iteration", func(t *testing.T) {
		require.NoError(t, s.Put([]byte("p:1"), []byte("a")))
		require.NoError(t, s.Put([]byte("p:2"), []byte("b")))
		require.NoError(t, s.Put([]byte("q:1"), []byte("c")))

		var keys []string
		require.NoError(t, s.Iterate([]byte("p:"), func(k, _ []byte) bool {
			keys = append(keys, string(k))
			return true
		}))
		assert.Len(t, keys, 2)
	})
}
