package registry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/registry"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/schema2"
	memorystore "github.com/lubosmj/pulp-docker/pkg/pulpdocker/store/memory"
	memorystorage "github.com/lubosmj/pulp-docker/pkg/pulpdocker/storage/memory"
)

type fixture struct {
	server         *httptest.Server
	svc            pulpdocker.Service
	store          pulpdocker.Store
	backend        pulpdocker.BlobStore
	layerData      []byte
	layerDigest    digest.Digest
	configDigest   digest.Digest
	manifestBytes  []byte
	manifestDigest digest.Digest
}

// newFixture publishes a repository with one tagged schema 2 image at
// library/app and returns a running test server.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memorystore.New()
	backend := memorystorage.New()
	svc, err := pulpdocker.New(
		pulpdocker.WithStore(store),
		pulpdocker.WithBlobStore("memory", backend),
	)
	require.NoError(t, err)

	f := &fixture{svc: svc, store: store, backend: backend}

	// Image config with a single non-empty history entry so the manifest
	// stays convertible to schema 1.
	created := time.Date(2019, 3, 7, 12, 0, 0, 0, time.UTC)
	configBytes, err := json.Marshal(v1.Image{
		Platform: v1.Platform{Architecture: "amd64", OS: "linux"},
		History:  []v1.History{{Created: &created, CreatedBy: "/bin/sh -c #(nop) ADD rootfs.tar /"}},
	})
	require.NoError(t, err)
	f.configDigest = digest.FromBytes(configBytes)

	f.layerData = []byte("layer tarball bytes")
	f.layerDigest = digest.FromBytes(f.layerData)

	f.manifestBytes, err = json.Marshal(schema2.Manifest{
		SchemaVersion: 2,
		MediaType:     pulpdocker.MediaTypeManifestV2,
		Config: schema2.Descriptor{
			MediaType: pulpdocker.MediaTypeImageConfig,
			Size:      int64(len(configBytes)),
			Digest:    f.configDigest,
		},
		Layers: []schema2.Descriptor{
			{MediaType: pulpdocker.MediaTypeLayer, Size: int64(len(f.layerData)), Digest: f.layerDigest},
		},
	})
	require.NoError(t, err)
	f.manifestDigest = digest.FromBytes(f.manifestBytes)

	for dgst, data := range map[digest.Digest][]byte{
		f.configDigest:   configBytes,
		f.layerDigest:    f.layerData,
		f.manifestDigest: f.manifestBytes,
	} {
		require.NoError(t, backend.Put(ctx, pulpdocker.BlobKey(dgst), dgst, bytes.NewReader(data)))
	}

	configBlob := &pulpdocker.Blob{
		ID: uuid.New(), Digest: f.configDigest,
		MediaType: pulpdocker.MediaTypeImageConfig,
		Size:      int64(len(configBytes)), Downloaded: true, CreatedAt: time.Now().UTC(),
	}
	layerBlob := &pulpdocker.Blob{
		ID: uuid.New(), Digest: f.layerDigest,
		MediaType: pulpdocker.MediaTypeLayer,
		Size:      int64(len(f.layerData)), Downloaded: true, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateBlob(ctx, configBlob))
	require.NoError(t, store.CreateBlob(ctx, layerBlob))

	parsed, err := schema2.Parse(f.manifestBytes, pulpdocker.MediaTypeManifestV2)
	require.NoError(t, err)
	manifest := parsed.Record()
	manifest.ID = uuid.New()
	manifest.CreatedAt = time.Now().UTC()
	require.NoError(t, store.CreateManifest(ctx, manifest))

	tag, err := store.GetOrCreateTag(ctx, &pulpdocker.Tag{
		ID: uuid.New(), Name: "latest", TaggedManifest: f.manifestDigest, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	repo, err := svc.CreateRepository(ctx, pulpdocker.CreateRepositoryRequest{Name: "app"})
	require.NoError(t, err)
	_, err = svc.ModifyRepository(ctx, pulpdocker.ModifyRepositoryRequest{
		RepositoryID: repo.ID,
		Add:          []uuid.UUID{configBlob.ID, layerBlob.ID, manifest.ID, tag.ID},
	})
	require.NoError(t, err)

	_, err = svc.CreateDistribution(ctx, pulpdocker.CreateDistributionRequest{
		Name: "app", BasePath: "library/app", RepositoryID: &repo.ID,
	})
	require.NoError(t, err)

	// A distribution without a repository serves an empty content set.
	_, err = svc.CreateDistribution(ctx, pulpdocker.CreateDistributionRequest{
		Name: "empty", BasePath: "library/empty",
	})
	require.NoError(t, err)

	handler, err := registry.New(svc, store)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Mount("/v2", handler.Routes())
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func get(t *testing.T, url string, accept ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for _, a := range accept {
		req.Header.Add("Accept", a)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeErrors(t *testing.T, resp *http.Response) string {
	t.Helper()
	var envelope struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NotEmpty(t, envelope.Errors)
	return envelope.Errors[0].Code
}

func TestVersionProbe(t *testing.T) {
	f := newFixture(t)

	resp := get(t, f.server.URL+"/v2/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "registry/2.0", resp.Header.Get("Docker-Distribution-API-Version"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(body))
}

func TestTagsList(t *testing.T) {
	f := newFixture(t)

	t.Run("PublishedRepository", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/app/tags/list")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Name string   `json:"name"`
			Tags []string `json:"tags"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "library/app", body.Name)
		assert.Equal(t, []string{"latest"}, body.Tags)
	})

	t.Run("EmptyDistribution", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/empty/tags/list")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Tags []string `json:"tags"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.NotNil(t, body.Tags)
		assert.Empty(t, body.Tags)
	})

	t.Run("UnknownBasePath", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/missing/tags/list")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "NAME_UNKNOWN", decodeErrors(t, resp))
	})
}

func TestManifestByTag(t *testing.T) {
	f := newFixture(t)

	t.Run("AcceptedMediaTypeServedRaw", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/app/manifests/latest", pulpdocker.MediaTypeManifestV2)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, pulpdocker.MediaTypeManifestV2, resp.Header.Get("Content-Type"))
		assert.Equal(t, f.manifestDigest.String(), resp.Header.Get("Docker-Content-Digest"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, f.manifestBytes, body)
	})

	t.Run("LegacyClientGetsSignedSchema1", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/app/manifests/latest", pulpdocker.MediaTypeManifestV1Signed)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, pulpdocker.MediaTypeManifestV1Signed, resp.Header.Get("Content-Type"))
		// The digest header keeps pointing at the stored schema 2 content.
		assert.Equal(t, f.manifestDigest.String(), resp.Header.Get("Docker-Content-Digest"))

		var converted struct {
			SchemaVersion int    `json:"schemaVersion"`
			Name          string `json:"name"`
			Tag           string `json:"tag"`
			FSLayers      []struct {
				BlobSum string `json:"blobSum"`
			} `json:"fsLayers"`
			Signatures []json.RawMessage `json:"signatures"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&converted))
		assert.Equal(t, 1, converted.SchemaVersion)
		assert.Equal(t, "library/app", converted.Name)
		assert.Equal(t, "latest", converted.Tag)
		require.Len(t, converted.FSLayers, 1)
		assert.Equal(t, f.layerDigest.String(), converted.FSLayers[0].BlobSum)
		assert.NotEmpty(t, converted.Signatures)
	})

	t.Run("UnknownTag", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/app/manifests/nope", pulpdocker.MediaTypeManifestV2)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "MANIFEST_UNKNOWN", decodeErrors(t, resp))
	})
}

func TestManifestByDigest(t *testing.T) {
	f := newFixture(t)

	// Digest references skip content negotiation entirely.
	resp := get(t, f.server.URL+"/v2/library/app/manifests/"+f.manifestDigest.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, pulpdocker.MediaTypeManifestV2, resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, f.manifestBytes, body)
}

func TestBlob(t *testing.T) {
	f := newFixture(t)

	t.Run("Get", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/app/blobs/"+f.layerDigest.String())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, f.layerDigest.String(), resp.Header.Get("Docker-Content-Digest"))
		assert.Contains(t, resp.Header.Get("Content-Disposition"), f.layerDigest.Encoded())

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, f.layerData, body)
	})

	t.Run("Head", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodHead, f.server.URL+"/v2/library/app/blobs/"+f.layerDigest.String(), nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, f.layerDigest.String(), resp.Header.Get("Docker-Content-Digest"))
	})

	t.Run("ManifestFallback", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/app/blobs/"+f.manifestDigest.String())
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, f.manifestBytes, body)
	})

	t.Run("Unknown", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/app/blobs/"+digest.FromString("missing").String())
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "BLOB_UNKNOWN", decodeErrors(t, resp))
	})

	t.Run("MalformedDigest", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/app/blobs/not-a-digest")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "BLOB_UNKNOWN", decodeErrors(t, resp))
	})
}

func TestUnknownEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := get(t, f.server.URL+"/v2/library/app/uploads/whatever")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UNSUPPORTED", decodeErrors(t, resp))
}

// publishList tags a manifest list in library/app whose single member is the
// fixture image, reported with the given platform.
func publishList(t *testing.T, f *fixture, tagName, arch, os string) ([]byte, digest.Digest) {
	t.Helper()
	ctx := context.Background()

	listBytes, err := json.Marshal(schema2.ManifestList{
		SchemaVersion: 2,
		MediaType:     pulpdocker.MediaTypeManifestList,
		Manifests: []schema2.Descriptor{
			{
				MediaType: pulpdocker.MediaTypeManifestV2,
				Size:      int64(len(f.manifestBytes)),
				Digest:    f.manifestDigest,
				Platform:  &schema2.Platform{Architecture: arch, OS: os},
			},
		},
	})
	require.NoError(t, err)
	listDigest := digest.FromBytes(listBytes)
	require.NoError(t, f.backend.Put(ctx, pulpdocker.BlobKey(listDigest), listDigest, bytes.NewReader(listBytes)))

	parsed, err := schema2.Parse(listBytes, pulpdocker.MediaTypeManifestList)
	require.NoError(t, err)
	list := parsed.Record()
	list.ID = uuid.New()
	list.CreatedAt = time.Now().UTC()
	require.NoError(t, f.store.CreateManifest(ctx, list))

	tag, err := f.store.GetOrCreateTag(ctx, &pulpdocker.Tag{
		ID: uuid.New(), Name: tagName, TaggedManifest: listDigest, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	repo, err := f.svc.GetRepositoryByName(ctx, "app")
	require.NoError(t, err)
	_, err = f.svc.ModifyRepository(ctx, pulpdocker.ModifyRepositoryRequest{
		RepositoryID: repo.ID,
		Add:          []uuid.UUID{list.ID, tag.ID},
	})
	require.NoError(t, err)
	return listBytes, listDigest
}

func TestManifestList(t *testing.T) {
	f := newFixture(t)
	listBytes, listDigest := publishList(t, f, "multi", "amd64", "linux")

	t.Run("ServedRawWhenAccepted", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/app/manifests/multi", pulpdocker.MediaTypeManifestList)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, pulpdocker.MediaTypeManifestList, resp.Header.Get("Content-Type"))
		assert.Equal(t, listDigest.String(), resp.Header.Get("Docker-Content-Digest"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, listBytes, body)
	})

	t.Run("DegradesToMemberWhenSchema2Accepted", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/app/manifests/multi", pulpdocker.MediaTypeManifestV2)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, pulpdocker.MediaTypeManifestV2, resp.Header.Get("Content-Type"))
		assert.Equal(t, f.manifestDigest.String(), resp.Header.Get("Docker-Content-Digest"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, f.manifestBytes, body)
	})

	t.Run("LegacyClientGetsConvertedMember", func(t *testing.T) {
		resp := get(t, f.server.URL+"/v2/library/app/manifests/multi", pulpdocker.MediaTypeManifestV1Signed)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, pulpdocker.MediaTypeManifestV1Signed, resp.Header.Get("Content-Type"))
		// The digest header points at the member the list degraded to.
		assert.Equal(t, f.manifestDigest.String(), resp.Header.Get("Docker-Content-Digest"))

		var converted struct {
			SchemaVersion int               `json:"schemaVersion"`
			Tag           string            `json:"tag"`
			Signatures    []json.RawMessage `json:"signatures"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&converted))
		assert.Equal(t, 1, converted.SchemaVersion)
		assert.Equal(t, "multi", converted.Tag)
		assert.NotEmpty(t, converted.Signatures)
	})

	t.Run("NoLinuxAmd64MemberForLegacyClient", func(t *testing.T) {
		publishList(t, f, "armonly", "arm64", "linux")

		resp := get(t, f.server.URL+"/v2/library/app/manifests/armonly", pulpdocker.MediaTypeManifestV1Signed)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "MANIFEST_UNKNOWN", decodeErrors(t, resp))
	})
}

func TestBlobLazyFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lazyData := []byte("lazily fetched layer bytes")
	lazyDigest := digest.FromBytes(lazyData)

	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/library/upstream-app/blobs/"+lazyDigest.String() {
			upstreamHits.Add(1)
			w.Header().Set("Content-Length", strconv.Itoa(len(lazyData)))
			_, _ = w.Write(lazyData)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(upstream.Close)

	remote, err := f.svc.CreateRemote(ctx, pulpdocker.CreateRemoteRequest{
		Name:         "upstream",
		URL:          upstream.URL,
		UpstreamName: "library/upstream-app",
		Policy:       pulpdocker.PolicyOnDemand,
	})
	require.NoError(t, err)

	lazyBlob := &pulpdocker.Blob{
		ID: uuid.New(), Digest: lazyDigest,
		MediaType: pulpdocker.MediaTypeLayer,
		RemoteID:  &remote.ID,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateBlob(ctx, lazyBlob))

	repo, err := f.svc.GetRepositoryByName(ctx, "app")
	require.NoError(t, err)
	_, err = f.svc.ModifyRepository(ctx, pulpdocker.ModifyRepositoryRequest{
		RepositoryID: repo.ID,
		Add:          []uuid.UUID{lazyBlob.ID},
	})
	require.NoError(t, err)

	resp := get(t, f.server.URL+"/v2/library/app/blobs/"+lazyDigest.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, lazyDigest.String(), resp.Header.Get("Docker-Content-Digest"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, lazyData, body)
	assert.Equal(t, int32(1), upstreamHits.Load())

	// The fetched bytes are cached and the record updated.
	rc, err := f.backend.Get(ctx, pulpdocker.BlobKey(lazyDigest))
	require.NoError(t, err)
	cached, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, lazyData, cached)

	stored, err := f.svc.GetBlobByDigest(ctx, lazyDigest)
	require.NoError(t, err)
	assert.True(t, stored.Downloaded)
	assert.Equal(t, int64(len(lazyData)), stored.Size)

	// A second pull is served locally.
	resp = get(t, f.server.URL+"/v2/library/app/blobs/"+lazyDigest.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), upstreamHits.Load())
}

// failingStore simulates metadata store outages on base-path lookups.
type failingStore struct {
	pulpdocker.Store
}

func (s *failingStore) GetDistributionByBasePath(ctx context.Context, basePath string) (*pulpdocker.Distribution, error) {
	return nil, errors.New("store unavailable")
}

func TestResolveStoreFailure(t *testing.T) {
	store := &failingStore{Store: memorystore.New()}
	svc, err := pulpdocker.New(
		pulpdocker.WithStore(store),
		pulpdocker.WithBlobStore("memory", memorystorage.New()),
	)
	require.NoError(t, err)

	handler, err := registry.New(svc, store)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Mount("/v2", handler.Routes())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	for _, url := range []string{
		server.URL + "/v2/library/app/tags/list",
		server.URL + "/v2/library/app/manifests/latest",
		server.URL + "/v2/library/app/blobs/" + digest.FromString("x").String(),
	} {
		resp := get(t, url)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, url)
	}
}
