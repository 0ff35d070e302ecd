package fs_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	fsstorage "github.com/lubosmj/pulp-docker/pkg/pulpdocker/storage/fs"
)

func TestFSBackend(t *testing.T) {
	backend, err := fsstorage.New(fsstorage.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	data := "layer tarball bytes"
	dgst := digest.FromString(data)
	key := pulpdocker.BlobKey(dgst)

	t.Run("RequiresBaseDir", func(t *testing.T) {
		_, err := fsstorage.New(fsstorage.Config{})
		assert.Error(t, err)
	})

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, backend.Put(ctx, key, dgst, strings.NewReader(data)))

		reader, err := backend.Get(ctx, key)
		require.NoError(t, err)
		defer reader.Close()

		got, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, data, string(got))
	})

	t.Run("Meta", func(t *testing.T) {
		meta, err := backend.Meta(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), meta.Size)
	})

	t.Run("PutRejectsWrongDigest", func(t *testing.T) {
		wrong := digest.FromString("something else")
		err := backend.Put(ctx, pulpdocker.BlobKey(wrong), wrong, strings.NewReader(data))
		assert.ErrorIs(t, err, pulpdocker.ErrDigestMismatch)

		ok, err := backend.Exists(ctx, pulpdocker.BlobKey(wrong))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := backend.Get(ctx, "blobs/sha256/missing")
		assert.ErrorIs(t, err, pulpdocker.ErrBlobNotFound)
	})

	t.Run("NoRedirect", func(t *testing.T) {
		url, err := backend.RedirectURL(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, url)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, backend.Delete(ctx, key))
		ok, err := backend.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
