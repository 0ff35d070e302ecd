package sync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/schema2"
	memorystore "github.com/lubosmj/pulp-docker/pkg/pulpdocker/store/memory"
	memorystorage "github.com/lubosmj/pulp-docker/pkg/pulpdocker/storage/memory"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/sync"
)

const upstreamName = "library/busybox"

type storedManifest struct {
	payload   []byte
	mediaType string
}

// upstream is a minimal fake of the registry read API, enough for the syncer:
// paginated tag listings, manifests by tag or digest, blobs, and an optional
// bearer token handshake.
type upstream struct {
	mu          gosync.Mutex
	tags        map[string]digest.Digest
	manifests   map[digest.Digest]storedManifest
	blobs       map[digest.Digest][]byte
	requireAuth bool

	server *httptest.Server
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{
		tags:      make(map[string]digest.Digest),
		manifests: make(map[digest.Digest]storedManifest),
		blobs:     make(map[digest.Digest][]byte),
	}
	u.server = httptest.NewServer(u)
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if r.URL.Path == "/token" {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "good-token"})
		return
	}

	if u.requireAuth && r.Header.Get("Authorization") != "Bearer good-token" {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm=%q,service="test-registry"`, u.server.URL+"/token"))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	prefix := "/v2/" + upstreamName + "/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case rest == "tags/list":
		u.serveTags(w, r)
	case strings.HasPrefix(rest, "manifests/"):
		u.serveManifest(w, strings.TrimPrefix(rest, "manifests/"))
	case strings.HasPrefix(rest, "blobs/"):
		u.serveBlob(w, r, strings.TrimPrefix(rest, "blobs/"))
	default:
		http.NotFound(w, r)
	}
}

// serveTags splits the listing into two pages so pagination gets exercised.
func (u *upstream) serveTags(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(u.tags))
	for name := range u.tags {
		names = append(names, name)
	}
	sort.Strings(names)

	page := names
	if r.URL.Query().Get("page") == "" && len(names) > 1 {
		page = names[:1]
		w.Header().Set("Link", fmt.Sprintf(`</v2/%s/tags/list?page=2>; rel="next"`, upstreamName))
	} else if r.URL.Query().Get("page") != "" && len(names) > 1 {
		page = names[1:]
	}

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"name": upstreamName,
		"tags": page,
	})
}

func (u *upstream) serveManifest(w http.ResponseWriter, ref string) {
	dgst, ok := u.tags[ref]
	if !ok {
		dgst = digest.Digest(ref)
	}
	m, ok := u.manifests[dgst]
	if !ok {
		http.Error(w, "manifest unknown", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", m.mediaType)
	w.Header().Set("Docker-Content-Digest", dgst.String())
	_, _ = w.Write(m.payload)
}

func (u *upstream) serveBlob(w http.ResponseWriter, r *http.Request, ref string) {
	data, ok := u.blobs[digest.Digest(ref)]
	if !ok {
		http.Error(w, "blob unknown", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

func (u *upstream) addBlob(data []byte) digest.Digest {
	dgst := digest.FromBytes(data)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blobs[dgst] = data
	return dgst
}

func (u *upstream) addManifest(payload []byte, mediaType string) digest.Digest {
	dgst := digest.FromBytes(payload)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.manifests[dgst] = storedManifest{payload: payload, mediaType: mediaType}
	return dgst
}

func (u *upstream) tag(name string, dgst digest.Digest) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tags[name] = dgst
}

// addImage publishes an image manifest with a config and the given layers,
// returning the manifest digest.
func (u *upstream) addImage(t *testing.T, layers ...[]byte) digest.Digest {
	t.Helper()
	created := time.Date(2019, 3, 7, 12, 0, 0, 0, time.UTC)
	history := make([]v1.History, len(layers))
	for i := range layers {
		history[i] = v1.History{Created: &created, CreatedBy: fmt.Sprintf("step %d", i)}
	}
	configBytes, err := json.Marshal(v1.Image{
		Platform: v1.Platform{Architecture: "amd64", OS: "linux"},
		History:  history,
	})
	require.NoError(t, err)
	configDigest := u.addBlob(configBytes)

	descriptors := make([]schema2.Descriptor, len(layers))
	for i, layer := range layers {
		descriptors[i] = schema2.Descriptor{
			MediaType: pulpdocker.MediaTypeLayer,
			Size:      int64(len(layer)),
			Digest:    u.addBlob(layer),
		}
	}

	payload, err := json.Marshal(schema2.Manifest{
		SchemaVersion: 2,
		MediaType:     pulpdocker.MediaTypeManifestV2,
		Config: schema2.Descriptor{
			MediaType: pulpdocker.MediaTypeImageConfig,
			Size:      int64(len(configBytes)),
			Digest:    configDigest,
		},
		Layers: descriptors,
	})
	require.NoError(t, err)
	return u.addManifest(payload, pulpdocker.MediaTypeManifestV2)
}

func (u *upstream) addList(t *testing.T, members ...digest.Digest) digest.Digest {
	t.Helper()
	descriptors := make([]schema2.Descriptor, len(members))
	for i, member := range members {
		descriptors[i] = schema2.Descriptor{
			MediaType: pulpdocker.MediaTypeManifestV2,
			Digest:    member,
			Platform:  &schema2.Platform{Architecture: "amd64", OS: "linux"},
		}
	}
	payload, err := json.Marshal(schema2.ManifestList{
		SchemaVersion: 2,
		MediaType:     pulpdocker.MediaTypeManifestList,
		Manifests:     descriptors,
	})
	require.NoError(t, err)
	return u.addManifest(payload, pulpdocker.MediaTypeManifestList)
}

type env struct {
	store  pulpdocker.Store
	blobs  pulpdocker.BlobStore
	syncer *sync.Syncer
	repo   *pulpdocker.Repository
}

func newEnv(t *testing.T, u *upstream, policy pulpdocker.DownloadPolicy, whitelist string) (*env, *pulpdocker.Remote) {
	t.Helper()
	ctx := context.Background()

	store := memorystore.New()
	blobs := memorystorage.New()
	svc, err := pulpdocker.New(
		pulpdocker.WithStore(store),
		pulpdocker.WithBlobStore("memory", blobs),
	)
	require.NoError(t, err)

	repo, err := svc.CreateRepository(ctx, pulpdocker.CreateRepositoryRequest{Name: "busybox"})
	require.NoError(t, err)

	remote, err := svc.CreateRemote(ctx, pulpdocker.CreateRemoteRequest{
		Name:          "upstream",
		URL:           u.server.URL,
		UpstreamName:  upstreamName,
		Policy:        policy,
		WhitelistTags: whitelist,
	})
	require.NoError(t, err)

	return &env{
		store:  store,
		blobs:  blobs,
		syncer: sync.NewSyncer(store, blobs),
		repo:   repo,
	}, remote
}

func TestSyncImmediate(t *testing.T) {
	u := newUpstream(t)
	image := u.addImage(t, []byte("layer one"), []byte("layer two"))
	list := u.addList(t, image)
	u.tag("latest", list)
	u.tag("1.0", image)

	e, remote := newEnv(t, u, pulpdocker.PolicyImmediate, "")
	ctx := context.Background()

	version, err := e.syncer.Sync(ctx, e.repo.ID, remote.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version.Number)

	content, err := e.store.FilterContent(ctx, version.ContentIDs)
	require.NoError(t, err)

	t.Run("TagsRecorded", func(t *testing.T) {
		names := content.TagNames()
		sort.Strings(names)
		assert.Equal(t, []string{"1.0", "latest"}, names)

		latest := content.FindTag("latest")
		require.NotNil(t, latest)
		assert.Equal(t, list, latest.TaggedManifest)
	})

	t.Run("ListAndMemberRecorded", func(t *testing.T) {
		// The member is shared by the list and the 1.0 tag, synced once.
		assert.Len(t, content.Manifests, 2)

		listed := content.FindManifest(list)
		require.NotNil(t, listed)
		assert.True(t, listed.IsList())
		require.Len(t, listed.ListedManifests, 1)
		assert.Equal(t, image, listed.ListedManifests[0].Digest)

		member := content.FindManifest(image)
		require.NotNil(t, member)
		require.Len(t, member.Blobs, 2)
	})

	t.Run("BlobsDownloaded", func(t *testing.T) {
		require.Len(t, content.Blobs, 3)
		for _, blob := range content.Blobs {
			assert.True(t, blob.Downloaded, "blob %s not downloaded", blob.Digest)

			rc, err := e.blobs.Get(ctx, pulpdocker.BlobKey(blob.Digest))
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			rc.Close()
			require.NoError(t, err)
			assert.Equal(t, blob.Digest, digest.FromBytes(data))
		}
	})

	t.Run("ManifestPayloadsStored", func(t *testing.T) {
		for _, dgst := range []digest.Digest{list, image} {
			ok, err := e.blobs.Exists(ctx, pulpdocker.BlobKey(dgst))
			require.NoError(t, err)
			assert.True(t, ok)
		}
	})

	t.Run("SecondSyncIsNoOp", func(t *testing.T) {
		again, err := e.syncer.Sync(ctx, e.repo.ID, remote.ID)
		require.NoError(t, err)
		assert.Equal(t, version.Number, again.Number)

		versions, err := e.store.ListVersions(ctx, e.repo.ID)
		require.NoError(t, err)
		assert.Len(t, versions, 2) // version 0 plus the sync result
	})
}

func TestSyncOnDemand(t *testing.T) {
	u := newUpstream(t)
	layer := []byte("big layer bytes")
	image := u.addImage(t, layer)
	u.tag("latest", image)

	e, remote := newEnv(t, u, pulpdocker.PolicyOnDemand, "")
	ctx := context.Background()

	version, err := e.syncer.Sync(ctx, e.repo.ID, remote.ID)
	require.NoError(t, err)

	content, err := e.store.FilterContent(ctx, version.ContentIDs)
	require.NoError(t, err)
	require.Len(t, content.Blobs, 2)

	for _, blob := range content.Blobs {
		if blob.MediaType == pulpdocker.MediaTypeImageConfig {
			// Configs are always fetched: conversion needs their bytes.
			assert.True(t, blob.Downloaded)
			continue
		}
		assert.False(t, blob.Downloaded)
		assert.Equal(t, int64(len(layer)), blob.Size)
		require.NotNil(t, blob.RemoteID)
		assert.Equal(t, remote.ID, *blob.RemoteID)

		ok, err := e.blobs.Exists(ctx, pulpdocker.BlobKey(blob.Digest))
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestSyncWhitelist(t *testing.T) {
	u := newUpstream(t)
	keep := u.addImage(t, []byte("kept layer"))
	skip := u.addImage(t, []byte("skipped layer"))
	u.tag("latest", keep)
	u.tag("nightly", skip)

	e, remote := newEnv(t, u, pulpdocker.PolicyImmediate, "latest")
	ctx := context.Background()

	version, err := e.syncer.Sync(ctx, e.repo.ID, remote.ID)
	require.NoError(t, err)

	content, err := e.store.FilterContent(ctx, version.ContentIDs)
	require.NoError(t, err)
	assert.Equal(t, []string{"latest"}, content.TagNames())
	assert.Nil(t, content.FindManifest(skip))
}

func TestSyncRetiresMovedTags(t *testing.T) {
	u := newUpstream(t)
	old := u.addImage(t, []byte("old layer"))
	u.tag("latest", old)

	e, remote := newEnv(t, u, pulpdocker.PolicyImmediate, "")
	ctx := context.Background()

	first, err := e.syncer.Sync(ctx, e.repo.ID, remote.ID)
	require.NoError(t, err)

	// Upstream moves the tag to a new image.
	updated := u.addImage(t, []byte("new layer"))
	u.tag("latest", updated)

	second, err := e.syncer.Sync(ctx, e.repo.ID, remote.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Number+1, second.Number)

	content, err := e.store.FilterContent(ctx, second.ContentIDs)
	require.NoError(t, err)

	var latestTags []*pulpdocker.Tag
	for _, tag := range content.Tags {
		if tag.Name == "latest" {
			latestTags = append(latestTags, tag)
		}
	}
	require.Len(t, latestTags, 1)
	assert.Equal(t, updated, latestTags[0].TaggedManifest)

	// The old image stays in the version, only the tag unit is retired.
	assert.NotNil(t, content.FindManifest(old))
}

func TestSyncWithBearerAuth(t *testing.T) {
	u := newUpstream(t)
	u.requireAuth = true
	image := u.addImage(t, []byte("layer"))
	u.tag("latest", image)

	e, remote := newEnv(t, u, pulpdocker.PolicyImmediate, "")

	version, err := e.syncer.Sync(context.Background(), e.repo.ID, remote.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version.Number)
}

func TestSyncUnknownRemote(t *testing.T) {
	u := newUpstream(t)
	e, _ := newEnv(t, u, pulpdocker.PolicyImmediate, "")

	_, err := e.syncer.Sync(context.Background(), e.repo.ID, uuid.New())
	assert.ErrorIs(t, err, pulpdocker.ErrRemoteNotFound)
}
