package compression

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	for _, level := range []Level{LevelFastest, LevelDefault, LevelBetter} {
		c, err := NewCompressor(level)
		require.NoError(t, err)

		data := []byte(strings.Repeat("workspace manifest ", 200))
		packed := c.Compress(data)
		assert.Less(t, len(packed), len(data))

		out, err := c.Decompress(packed)
		require.NoError(t, err)
		assert.Equal(t, data, out)
		require.NoError(t, c.Close())
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	t.Parallel()

	c, err := NewCompressor(LevelDefault)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decompress([]byte("not zstd"))
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func TestNewReaderStreams(t *testing.T) {
	t.Parallel()

	c, err := NewCompressor(LevelDefault)
	require.NoError(t, err)
	defer c.Close()

	data := []byte("streamed layer content")
	rc, err := NewReader(bytes.NewReader(c.Compress(data)))
	require.NoError(t, err)
	defer rc.Close()

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
