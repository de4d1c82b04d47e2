package spool

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSpool(t *testing.T, maxEntries int) *Spool {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "spool.jsonl"), maxEntries)
}

func TestAppendThenDropFirst(t *testing.T) {
	s := newTestSpool(t, 1000)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append([]byte(fmt.Sprintf(`{"seq":%d}`, i))))
	}
	require.NoError(t, s.DropFirst(4))

	depth, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 6, depth)

	lines, err := s.Peek(6)
	require.NoError(t, err)
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], `"seq":4`)
	assert.Contains(t, lines[5], `"seq":9`)
}

func TestTrimOnEveryHundredthAppend(t *testing.T) {
	s := newTestSpool(t, 50)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Append([]byte(fmt.Sprintf(`{"seq":%d}`, i))))
	}
	depth, err := s.Depth()
	require.NoError(t, err)
	assert.LessOrEqual(t, depth, 50)

	lines, err := s.Peek(depth)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], `"seq":99`)
}

func TestDropFirstCoveringAllLinesEmptiesSpool(t *testing.T) {
	s := newTestSpool(t, 10)
	require.NoError(t, s.Append([]byte(`{"seq":1}`)))
	require.NoError(t, s.Append([]byte(`{"seq":2}`)))
	require.NoError(t, s.DropFirst(5))

	depth, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestPeekDoesNotRemove(t *testing.T) {
	s := newTestSpool(t, 10)
	require.NoError(t, s.Append([]byte(`{"seq":1}`)))
	_, err := s.Peek(1)
	require.NoError(t, err)

	depth, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestDepthOnMissingFileIsZero(t *testing.T) {
	s := newTestSpool(t, 10)
	depth, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}
