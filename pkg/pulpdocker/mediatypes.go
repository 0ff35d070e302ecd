package pulpdocker

import (
	"net/http"
	"strings"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker media types served and synced by the registry handlers.
const (
	MediaTypeManifestV1       = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeManifestV1Signed = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	MediaTypeManifestV2       = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeManifestList     = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeImageConfig      = "application/vnd.docker.container.image.v1+json"
	MediaTypeLayer            = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	MediaTypeForeignLayer     = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
)

// OCI equivalents, aliased from the image-spec module.
const (
	MediaTypeOCIManifest = v1.MediaTypeImageManifest
	MediaTypeOCIIndex    = v1.MediaTypeImageIndex
	MediaTypeOCIConfig   = v1.MediaTypeImageConfig
)

// EmptyLayerDigest is the digest of the canonical empty gzipped tar, used as
// the filesystem layer for empty history entries in schema1 conversion.
const EmptyLayerDigest = "sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4"

// AcceptedMediaTypes extracts the media types a client accepts from the
// request's Accept headers. Parameters (q-values) are discarded.
func AcceptedMediaTypes(r *http.Request) []string {
	var accepted []string
	for _, header := range r.Header.Values("Accept") {
		for _, value := range strings.Split(header, ",") {
			value = strings.TrimSpace(value)
			if mt, _, found := strings.Cut(value, ";"); found {
				value = strings.TrimSpace(mt)
			}
			if value != "" {
				accepted = append(accepted, value)
			}
		}
	}
	return accepted
}
