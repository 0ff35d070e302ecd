package schema2_test

import (
	"encoding/json"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/schema2"
)

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return payload
}

func TestParseImageManifest(t *testing.T) {
	configDigest := digest.FromString("config")
	layerDigest := digest.FromString("layer")
	payload := marshal(t, schema2.Manifest{
		SchemaVersion: 2,
		MediaType:     pulpdocker.MediaTypeManifestV2,
		Config: schema2.Descriptor{
			MediaType: pulpdocker.MediaTypeImageConfig,
			Size:      6,
			Digest:    configDigest,
		},
		Layers: []schema2.Descriptor{
			{MediaType: pulpdocker.MediaTypeLayer, Size: 5, Digest: layerDigest},
		},
	})

	parsed, err := schema2.Parse(payload, "")
	require.NoError(t, err)
	assert.False(t, parsed.IsList)
	assert.Equal(t, digest.FromBytes(payload), parsed.Digest)
	assert.Equal(t, configDigest, parsed.Config.Digest)
	require.Len(t, parsed.Layers, 1)

	record := parsed.Record()
	assert.Equal(t, configDigest, record.ConfigBlob)
	assert.Equal(t, []digest.Digest{layerDigest}, record.Blobs)
	assert.Empty(t, record.ListedManifests)
	assert.False(t, record.IsList())
}

func TestParseManifestList(t *testing.T) {
	amd64 := digest.FromString("amd64 member")
	arm64 := digest.FromString("arm64 member")
	payload := marshal(t, schema2.ManifestList{
		SchemaVersion: 2,
		MediaType:     pulpdocker.MediaTypeManifestList,
		Manifests: []schema2.Descriptor{
			{Digest: amd64, Platform: &schema2.Platform{Architecture: "amd64", OS: "linux"}},
			{Digest: arm64, Platform: &schema2.Platform{Architecture: "arm64", OS: "linux"}},
		},
	})

	parsed, err := schema2.Parse(payload, pulpdocker.MediaTypeManifestList)
	require.NoError(t, err)
	assert.True(t, parsed.IsList)
	require.Len(t, parsed.Members, 2)

	record := parsed.Record()
	assert.True(t, record.IsList())
	require.Len(t, record.ListedManifests, 2)
	assert.Equal(t, "amd64", record.ListedManifests[0].Architecture)
	assert.Equal(t, "linux", record.ListedManifests[0].OS)
}

func TestParseOCIDefaults(t *testing.T) {
	t.Run("ManifestWithoutMediaType", func(t *testing.T) {
		payload := marshal(t, schema2.Manifest{
			SchemaVersion: 2,
			Config:        schema2.Descriptor{Digest: digest.FromString("config")},
		})
		parsed, err := schema2.Parse(payload, "")
		require.NoError(t, err)
		assert.Equal(t, pulpdocker.MediaTypeOCIManifest, parsed.MediaType)
	})

	t.Run("IndexWithoutMediaType", func(t *testing.T) {
		payload := marshal(t, schema2.ManifestList{
			SchemaVersion: 2,
			Manifests:     []schema2.Descriptor{{Digest: digest.FromString("member")}},
		})
		parsed, err := schema2.Parse(payload, "")
		require.NoError(t, err)
		assert.Equal(t, pulpdocker.MediaTypeOCIIndex, parsed.MediaType)
		assert.True(t, parsed.IsList)
	})
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name      string
		payload   []byte
		mediaType string
	}{
		{
			name:    "garbage payload",
			payload: []byte("not json"),
		},
		{
			name:      "wrong schema version",
			payload:   []byte(`{"schemaVersion": 1, "mediaType": "application/vnd.docker.distribution.manifest.v2+json"}`),
			mediaType: pulpdocker.MediaTypeManifestV2,
		},
		{
			name:      "manifest without config",
			payload:   []byte(`{"schemaVersion": 2, "layers": []}`),
			mediaType: pulpdocker.MediaTypeManifestV2,
		},
		{
			name:      "empty manifest list",
			payload:   []byte(`{"schemaVersion": 2, "manifests": []}`),
			mediaType: pulpdocker.MediaTypeManifestList,
		},
		{
			name:      "unknown media type",
			payload:   []byte(`{"schemaVersion": 2}`),
			mediaType: "application/vnd.example.unknown+json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema2.Parse(tt.payload, tt.mediaType)
			assert.Error(t, err)
		})
	}
}
