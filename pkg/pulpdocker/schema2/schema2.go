// Package schema2 parses Docker image manifest schema 2 documents, manifest
// lists, and their OCI counterparts into metadata records.
package schema2

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

// Descriptor references a content unit by digest.
type Descriptor struct {
	MediaType string        `json:"mediaType,omitempty"`
	Size      int64         `json:"size,omitempty"`
	Digest    digest.Digest `json:"digest"`
	Platform  *Platform     `json:"platform,omitempty"`
}

// Platform describes the target environment of a manifest list member.
type Platform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Variant      string `json:"variant,omitempty"`
}

// Manifest is the wire form of a schema 2 image manifest or an OCI image
// manifest.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType,omitempty"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// ManifestList is the wire form of a Docker manifest list or an OCI image
// index.
type ManifestList struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType,omitempty"`
	Manifests     []Descriptor `json:"manifests"`
}

// Parsed is the result of decoding a manifest payload. The digest is always
// computed over the exact payload bytes, never a re-serialization.
type Parsed struct {
	Digest    digest.Digest
	MediaType string
	IsList    bool

	// Image manifest fields. Empty for lists.
	Config Descriptor
	Layers []Descriptor

	// List members. Empty for image manifests.
	Members []Descriptor
}

// Parse decodes a manifest payload. mediaType comes from the Content-Type of
// the upstream response; when empty, the embedded mediaType field decides.
func Parse(payload []byte, mediaType string) (*Parsed, error) {
	var probe struct {
		SchemaVersion int             `json:"schemaVersion"`
		MediaType     string          `json:"mediaType"`
		Manifests     json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("invalid manifest payload: %w", err)
	}

	if mediaType == "" {
		mediaType = probe.MediaType
	}
	if mediaType == "" {
		// OCI payloads may omit mediaType entirely.
		if probe.Manifests != nil {
			mediaType = pulpdocker.MediaTypeOCIIndex
		} else {
			mediaType = pulpdocker.MediaTypeOCIManifest
		}
	}

	if probe.SchemaVersion != 2 {
		return nil, fmt.Errorf("unsupported manifest schema version %d", probe.SchemaVersion)
	}

	parsed := &Parsed{
		Digest:    digest.FromBytes(payload),
		MediaType: mediaType,
	}

	switch mediaType {
	case pulpdocker.MediaTypeManifestList, pulpdocker.MediaTypeOCIIndex:
		var list ManifestList
		if err := json.Unmarshal(payload, &list); err != nil {
			return nil, fmt.Errorf("invalid manifest list: %w", err)
		}
		if len(list.Manifests) == 0 {
			return nil, fmt.Errorf("manifest list has no members")
		}
		parsed.IsList = true
		parsed.Members = list.Manifests
	case pulpdocker.MediaTypeManifestV2, pulpdocker.MediaTypeOCIManifest:
		var m Manifest
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("invalid image manifest: %w", err)
		}
		if m.Config.Digest == "" {
			return nil, fmt.Errorf("image manifest has no config descriptor")
		}
		parsed.Config = m.Config
		parsed.Layers = m.Layers
	default:
		return nil, fmt.Errorf("unsupported manifest media type %q", mediaType)
	}

	return parsed, nil
}

// Record builds the metadata record for a parsed manifest. The caller assigns
// the id and timestamps.
func (p *Parsed) Record() *pulpdocker.Manifest {
	record := &pulpdocker.Manifest{
		Digest:        p.Digest,
		SchemaVersion: 2,
		MediaType:     p.MediaType,
	}
	if p.IsList {
		for _, member := range p.Members {
			ref := pulpdocker.ManifestRef{Digest: member.Digest}
			if member.Platform != nil {
				ref.Architecture = member.Platform.Architecture
				ref.OS = member.Platform.OS
			}
			record.ListedManifests = append(record.ListedManifests, ref)
		}
		return record
	}
	record.ConfigBlob = p.Config.Digest
	for _, layer := range p.Layers {
		record.Blobs = append(record.Blobs, layer.Digest)
	}
	return record
}
