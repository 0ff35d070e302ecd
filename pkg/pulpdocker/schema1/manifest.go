// Package schema1 builds and signs Docker Image Manifest v2, Schema 1
// documents. The registry only produces these on the fly for clients that do
// not accept schema 2, so nothing here is ever persisted.
package schema1

import (
	"encoding/json"
	"fmt"

	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
)

// MediaTypeManifest is the media type of an unsigned schema 1 manifest.
const MediaTypeManifest = "application/vnd.docker.distribution.manifest.v1+json"

// MediaTypeSignedManifest is the media type of a schema 1 manifest carrying a
// prettyjws signature block.
const MediaTypeSignedManifest = "application/vnd.docker.distribution.manifest.v1+prettyjws"

// FSLayer is a container struct for BlobSums defined in an image manifest
type FSLayer struct {
	// BlobSum is the digest of the referenced filesystem image layer
	BlobSum digest.Digest `json:"blobSum"`
}

// History stores unstructured v1 compatibility information
type History struct {
	// V1Compatibility is the raw v1 compatibility information
	V1Compatibility string `json:"v1Compatibility"`
}

// Manifest provides the base accessible fields for working with the schema 1
// image format.
type Manifest struct {
	SchemaVersion int `json:"schemaVersion"`

	// Name is the name of the image's repository
	Name string `json:"name"`

	// Tag is the tag of the image specified by this manifest
	Tag string `json:"tag"`

	// Architecture is the host architecture on which this image is intended
	// to run
	Architecture string `json:"architecture"`

	// FSLayers is a list of filesystem layer blobSums contained in this
	// image, newest first
	FSLayers []FSLayer `json:"fsLayers"`

	// History is a list of unstructured historical data for v1 compatibility,
	// parallel to FSLayers
	History []History `json:"history"`
}

// Sign signs the manifest with the provided private key and returns the
// prettyjws payload the docker client expects.
func Sign(m *Manifest, pk libtrust.PrivateKey) ([]byte, error) {
	p, err := json.MarshalIndent(m, "", "   ")
	if err != nil {
		return nil, err
	}

	js, err := libtrust.NewJSONSignature(p)
	if err != nil {
		return nil, err
	}
	if err := js.Sign(pk); err != nil {
		return nil, err
	}

	pretty, err := js.PrettySignature("signatures")
	if err != nil {
		return nil, err
	}
	return pretty, nil
}

// NewSigningKey generates an ephemeral EC P-256 key. Converted manifests are
// never stored, so a fresh key per process is enough for clients to validate
// the signature envelope.
func NewSigningKey() (libtrust.PrivateKey, error) {
	key, err := libtrust.GenerateECP256PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return key, nil
}
