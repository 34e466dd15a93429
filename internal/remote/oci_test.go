package remote

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/wsync/internal/retry"
	"github.com/aweris/wsync/internal/tree"
)

func newRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New(registry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host + "/wsync/depot"
}

func newOCI(t *testing.T) *OCI {
	t.Helper()
	o, err := NewOCI(newRegistry(t), WithOCIRetry(retry.Config{MaxAttempts: 1}))
	require.NoError(t, err)
	return o
}

func TestOCIDepot(t *testing.T) {
	t.Parallel()
	exerciseDepot(t, newOCI(t))
}

func TestOCIReusesUnchangedLayers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOCI(t)

	files := map[string][]byte{}
	for i := range 64 {
		files[string(rune('a'+i%26))+"/"+string(rune('a'+i/26))+".txt"] = []byte{byte(i), byte(i * 7)}
	}
	_, err := o.Publish(ctx, "main", files)
	require.NoError(t, err)
	first, err := o.revision(ctx, "main", 1)
	require.NoError(t, err)

	_, err = o.Publish(ctx, "main", files)
	require.NoError(t, err)
	second, err := o.revision(ctx, "main", 2)
	require.NoError(t, err)

	blobPrefixes := 0
	for prefix, info := range first.Prefixes {
		next, ok := second.Prefixes[prefix]
		if !ok || next.Hash != info.Hash {
			continue
		}
		blobPrefixes++
		assert.Equal(t, info.Layer, next.Layer, "prefix %s", prefix)
	}
	assert.Positive(t, blobPrefixes)

	snap, _, err := o.Snapshot(ctx, "main", 2, nil)
	require.NoError(t, err)
	got, err := tree.Files(ctx, snap, nil)
	require.NoError(t, err)
	assert.Len(t, got, len(files))
	for _, f := range got {
		assert.Equal(t, int64(1), f.Revision, f.Path)
	}
}

func TestStreamTag(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "depot-main", StreamTag("//depot/main"))
	assert.Equal(t, "release_1.2", StreamTag("release_1.2"))
	assert.Equal(t, "stream", StreamTag("///"))
	assert.Equal(t, "depot-main-r6", revisionTag("//depot/main", 6))
}
