package schema1_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/schema1"
)

var (
	layerOne = digest.FromString("first layer")
	layerTwo = digest.FromString("second layer")
)

func buildManifest(t *testing.T, layers ...digest.Digest) []byte {
	t.Helper()
	manifest := map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     pulpdocker.MediaTypeManifestV2,
		"config": map[string]interface{}{
			"mediaType": pulpdocker.MediaTypeImageConfig,
			"digest":    digest.FromString("config").String(),
		},
	}
	descriptors := make([]map[string]interface{}, len(layers))
	for i, layer := range layers {
		descriptors[i] = map[string]interface{}{
			"mediaType": pulpdocker.MediaTypeLayer,
			"digest":    layer.String(),
		}
	}
	manifest["layers"] = descriptors
	payload, err := json.Marshal(manifest)
	require.NoError(t, err)
	return payload
}

func buildConfig(t *testing.T, architecture string, history []v1.History) []byte {
	t.Helper()
	payload, err := json.Marshal(v1.Image{
		Platform: v1.Platform{Architecture: architecture, OS: "linux"},
		History:  history,
	})
	require.NoError(t, err)
	return payload
}

func TestConvert(t *testing.T) {
	created := time.Date(2019, 3, 7, 12, 0, 0, 0, time.UTC)
	config := buildConfig(t, "amd64", []v1.History{
		{Created: &created, CreatedBy: "/bin/sh -c #(nop) ADD file:abc in /"},
		{Created: &created, CreatedBy: "/bin/sh -c #(nop) CMD [\"sh\"]", EmptyLayer: true},
		{Created: &created, CreatedBy: "/bin/sh -c apk add curl"},
	})
	manifest := buildManifest(t, layerOne, layerTwo)

	converted, err := schema1.Convert(manifest, config, "library/busybox", "latest")
	require.NoError(t, err)

	assert.Equal(t, 1, converted.SchemaVersion)
	assert.Equal(t, "library/busybox", converted.Name)
	assert.Equal(t, "latest", converted.Tag)
	assert.Equal(t, "amd64", converted.Architecture)

	t.Run("LayersRunNewestFirst", func(t *testing.T) {
		require.Len(t, converted.FSLayers, 3)
		assert.Equal(t, layerTwo, converted.FSLayers[0].BlobSum)
		assert.Equal(t, digest.Digest(pulpdocker.EmptyLayerDigest), converted.FSLayers[1].BlobSum)
		assert.Equal(t, layerOne, converted.FSLayers[2].BlobSum)
	})

	t.Run("HistoryMatchesLayers", func(t *testing.T) {
		require.Len(t, converted.History, 3)

		var newest map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(converted.History[0].V1Compatibility), &newest))
		assert.Contains(t, newest, "id")
		assert.Contains(t, newest, "parent")
		assert.NotContains(t, newest, "rootfs")
		assert.NotContains(t, newest, "history")

		var oldest map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(converted.History[2].V1Compatibility), &oldest))
		assert.Contains(t, oldest, "id")
		assert.NotContains(t, oldest, "parent")
	})

	t.Run("EmptyEntryIsThrowaway", func(t *testing.T) {
		var middle map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(converted.History[1].V1Compatibility), &middle))
		assert.Equal(t, true, middle["throwaway"])
	})

	t.Run("ParentChainIsStable", func(t *testing.T) {
		again, err := schema1.Convert(manifest, config, "library/busybox", "latest")
		require.NoError(t, err)
		for i := range converted.History {
			assert.JSONEq(t, converted.History[i].V1Compatibility, again.History[i].V1Compatibility)
		}
	})
}

func TestConvertDefaultsArchitecture(t *testing.T) {
	created := time.Now().UTC()
	config := buildConfig(t, "", []v1.History{{Created: &created, CreatedBy: "cmd"}})
	manifest := buildManifest(t, layerOne)

	converted, err := schema1.Convert(manifest, config, "library/app", "1.0")
	require.NoError(t, err)
	assert.Equal(t, "amd64", converted.Architecture)
}

func TestConvertRejections(t *testing.T) {
	created := time.Now().UTC()

	t.Run("NoHistory", func(t *testing.T) {
		config := buildConfig(t, "amd64", nil)
		_, err := schema1.Convert(buildManifest(t, layerOne), config, "n", "t")
		assert.ErrorIs(t, err, pulpdocker.ErrNotConvertible)
	})

	t.Run("MoreHistoryThanLayers", func(t *testing.T) {
		config := buildConfig(t, "amd64", []v1.History{
			{Created: &created, CreatedBy: "one"},
			{Created: &created, CreatedBy: "two"},
		})
		_, err := schema1.Convert(buildManifest(t, layerOne), config, "n", "t")
		assert.ErrorIs(t, err, pulpdocker.ErrNotConvertible)
	})

	t.Run("UnconsumedLayers", func(t *testing.T) {
		config := buildConfig(t, "amd64", []v1.History{
			{Created: &created, CreatedBy: "one"},
		})
		_, err := schema1.Convert(buildManifest(t, layerOne, layerTwo), config, "n", "t")
		assert.ErrorIs(t, err, pulpdocker.ErrNotConvertible)
	})
}

func TestSign(t *testing.T) {
	created := time.Now().UTC()
	config := buildConfig(t, "amd64", []v1.History{{Created: &created, CreatedBy: "cmd"}})
	converted, err := schema1.Convert(buildManifest(t, layerOne), config, "library/app", "latest")
	require.NoError(t, err)

	key, err := schema1.NewSigningKey()
	require.NoError(t, err)

	signed, err := schema1.Sign(converted, key)
	require.NoError(t, err)

	var envelope struct {
		SchemaVersion int `json:"schemaVersion"`
		Signatures    []struct {
			Protected string `json:"protected"`
			Signature string `json:"signature"`
		} `json:"signatures"`
	}
	require.NoError(t, json.Unmarshal(signed, &envelope))
	assert.Equal(t, 1, envelope.SchemaVersion)
	require.NotEmpty(t, envelope.Signatures)
	assert.NotEmpty(t, envelope.Signatures[0].Signature)
}
