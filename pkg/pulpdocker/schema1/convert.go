package schema1

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

// schema2Manifest is the subset of a schema 2 image manifest the converter
// reads.
type schema2Manifest struct {
	SchemaVersion int `json:"schemaVersion"`
	Config        struct {
		Digest digest.Digest `json:"digest"`
	} `json:"config"`
	Layers []struct {
		MediaType string        `json:"mediaType"`
		Digest    digest.Digest `json:"digest"`
	} `json:"layers"`
}

// v1Compatibility is one history entry of the converted manifest. The
// newest entry additionally carries the full image config fields, which is
// why the converter serializes it from a generic map instead.
type v1Compatibility struct {
	ID              string `json:"id"`
	Parent          string `json:"parent,omitempty"`
	Created         string `json:"created,omitempty"`
	ContainerConfig struct {
		Cmd []string `json:"Cmd"`
	} `json:"container_config,omitempty"`
	Author    string `json:"author,omitempty"`
	Comment   string `json:"comment,omitempty"`
	ThrowAway bool   `json:"throwaway,omitempty"`
}

// Convert builds an unsigned schema 1 manifest from a schema 2 image
// manifest and its image config blob. Empty history entries are backed by
// the canonical empty layer so the fsLayers and history lists stay parallel.
func Convert(manifestPayload, configPayload []byte, name, tag string) (*Manifest, error) {
	var m schema2Manifest
	if err := json.Unmarshal(manifestPayload, &m); err != nil {
		return nil, fmt.Errorf("invalid schema 2 manifest: %w", err)
	}

	var config v1.Image
	if err := json.Unmarshal(configPayload, &config); err != nil {
		return nil, fmt.Errorf("invalid image config: %w", err)
	}
	if len(config.History) == 0 {
		return nil, pulpdocker.ErrNotConvertible
	}

	// Walk the history oldest first, consuming a schema 2 layer for every
	// non-empty entry.
	layerIndex := 0
	layerDigest := func(empty bool) (digest.Digest, error) {
		if empty {
			return pulpdocker.EmptyLayerDigest, nil
		}
		if layerIndex >= len(m.Layers) {
			return "", pulpdocker.ErrNotConvertible
		}
		d := m.Layers[layerIndex].Digest
		layerIndex++
		return d, nil
	}

	fsLayers := make([]FSLayer, len(config.History))
	history := make([]History, len(config.History))

	parent := ""
	for i, h := range config.History {
		blobSum, err := layerDigest(h.EmptyLayer)
		if err != nil {
			return nil, err
		}

		entry := v1Compatibility{
			Parent:    parent,
			Author:    h.Author,
			Comment:   h.Comment,
			ThrowAway: h.EmptyLayer,
		}
		if h.Created != nil {
			entry.Created = h.Created.UTC().Format("2006-01-02T15:04:05.999999999Z")
		}
		if h.CreatedBy != "" {
			entry.ContainerConfig.Cmd = []string{h.CreatedBy}
		}
		entry.ID = v1ID(blobSum, parent)

		var raw []byte
		if i == len(config.History)-1 {
			// The newest entry carries the full image config, minus the
			// fields that only exist in the schema 2 world.
			top, err := topEntry(configPayload, entry)
			if err != nil {
				return nil, err
			}
			raw = top
		} else {
			var err error
			raw, err = json.Marshal(entry)
			if err != nil {
				return nil, err
			}
		}

		// fsLayers and history run newest first.
		pos := len(config.History) - 1 - i
		fsLayers[pos] = FSLayer{BlobSum: blobSum}
		history[pos] = History{V1Compatibility: string(raw)}
		parent = entry.ID
	}

	if layerIndex != len(m.Layers) {
		return nil, pulpdocker.ErrNotConvertible
	}

	architecture := config.Architecture
	if architecture == "" {
		architecture = "amd64"
	}

	return &Manifest{
		SchemaVersion: 1,
		Name:          name,
		Tag:           tag,
		Architecture:  architecture,
		FSLayers:      fsLayers,
		History:       history,
	}, nil
}

// v1ID derives a stable fake image id for a history entry from its layer
// digest and parent id.
func v1ID(blobSum digest.Digest, parent string) string {
	if parent == "" {
		return digest.FromString(blobSum.String()).Encoded()
	}
	return digest.FromString(blobSum.String() + " " + parent).Encoded()
}

// topEntry merges the id, parent and throwaway fields into the raw image
// config for the newest history entry.
func topEntry(configPayload []byte, entry v1Compatibility) ([]byte, error) {
	var full map[string]interface{}
	if err := json.Unmarshal(configPayload, &full); err != nil {
		return nil, err
	}
	delete(full, "rootfs")
	delete(full, "history")

	full["id"] = entry.ID
	if entry.Parent != "" {
		full["parent"] = entry.Parent
	}
	if entry.ThrowAway {
		full["throwaway"] = true
	}
	return json.Marshal(full)
}
