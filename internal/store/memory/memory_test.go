package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/store/memory"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	_, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	val := []byte("v1")
	require.NoError(t, s.Save(ctx, "yield/b", val))
	require.NoError(t, s.Save(ctx, "yield/a", []byte("v2")))
	require.NoError(t, s.Save(ctx, "extraction/x", []byte("v3")))
	val[0] = 'X'

	got, err := s.Load(ctx, "yield/b")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	keys, err := s.List(ctx, "yield/")
	require.NoError(t, err)
	assert.Equal(t, []string{"yield/a", "yield/b"}, keys)
}
