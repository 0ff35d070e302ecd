package pulpdocker

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// DownloadPolicy controls how a remote's content is fetched during sync.
type DownloadPolicy string

// Download policy constants (typed).
const (
	// PolicyImmediate downloads all blob bytes during the sync run.
	PolicyImmediate DownloadPolicy = "immediate"
	// PolicyOnDemand records blob metadata during sync and fetches bytes
	// lazily the first time a client pulls them.
	PolicyOnDemand DownloadPolicy = "on_demand"
)

// TaskState is the domain type for task lifecycle states.
type TaskState string

// Task state constants (typed).
const (
	TaskStateWaiting   TaskState = "waiting"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// IsFinal reports whether the state is terminal.
func (s TaskState) IsFinal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCanceled
}

// Blob is a content-addressed byte stream: an image layer or an image
// configuration. The bytes live in a BlobStore under BlobKey(Digest); a blob
// record may exist without local bytes when it was synced with the on_demand
// policy, in which case RemoteID points at the remote it can be fetched from.
type Blob struct {
	ID         uuid.UUID     `json:"id"`
	Digest     digest.Digest `json:"digest"`
	MediaType  string        `json:"media_type"`
	Size       int64         `json:"size"`
	Downloaded bool          `json:"downloaded"`
	RemoteID   *uuid.UUID    `json:"remote_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ManifestRef is a manifest list member: a manifest digest plus the platform
// it targets.
type ManifestRef struct {
	Digest       digest.Digest `json:"digest"`
	Architecture string        `json:"architecture"`
	OS           string        `json:"os"`
}

// Manifest is an image manifest or a manifest list. The raw manifest bytes
// are stored as a blob under Digest; the record carries the parsed
// relationships needed to walk the image graph without re-reading them.
type Manifest struct {
	ID            uuid.UUID     `json:"id"`
	Digest        digest.Digest `json:"digest"`
	SchemaVersion int           `json:"schema_version"`
	MediaType     string        `json:"media_type"`

	// ConfigBlob is the image configuration digest. Empty for schema1
	// manifests and manifest lists.
	ConfigBlob digest.Digest `json:"config_blob,omitempty"`

	// Blobs are the layer digests referenced by the manifest.
	Blobs []digest.Digest `json:"blobs,omitempty"`

	// ListedManifests are the members of a manifest list.
	ListedManifests []ManifestRef `json:"listed_manifests,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsList reports whether the manifest is a manifest list (or OCI index).
func (m *Manifest) IsList() bool {
	return m.MediaType == MediaTypeManifestList || m.MediaType == MediaTypeOCIIndex
}

// Tag binds a name to a manifest digest. Tag units are shared across
// repository versions; a single version contains at most one tag per name.
type Tag struct {
	ID             uuid.UUID     `json:"id"`
	Name           string        `json:"name"`
	TaggedManifest digest.Digest `json:"tagged_manifest"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Repository is a named home for content. Its history is a sequence of
// immutable RepositoryVersions; version 0 is always empty.
type Repository struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RepositoryVersion is an immutable numbered snapshot of content unit ids.
type RepositoryVersion struct {
	ID           uuid.UUID   `json:"id"`
	RepositoryID uuid.UUID   `json:"repository_id"`
	Number       int64       `json:"number"`
	ContentIDs   []uuid.UUID `json:"content_ids"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Contains reports whether the version includes the given content unit.
func (v *RepositoryVersion) Contains(id uuid.UUID) bool {
	for _, c := range v.ContentIDs {
		if c == id {
			return true
		}
	}
	return false
}

// ContentSet is the typed view of a repository version's content.
type ContentSet struct {
	Tags      []*Tag
	Manifests []*Manifest
	Blobs     []*Blob
}

// TagNames returns the deduplicated, sorted-insensitive set of tag names.
func (cs *ContentSet) TagNames() []string {
	seen := make(map[string]struct{}, len(cs.Tags))
	names := make([]string, 0, len(cs.Tags))
	for _, t := range cs.Tags {
		if _, ok := seen[t.Name]; ok {
			continue
		}
		seen[t.Name] = struct{}{}
		names = append(names, t.Name)
	}
	return names
}

// FindTag returns the tag with the given name, or nil.
func (cs *ContentSet) FindTag(name string) *Tag {
	for _, t := range cs.Tags {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// FindManifest returns the manifest with the given digest, or nil.
func (cs *ContentSet) FindManifest(dgst digest.Digest) *Manifest {
	for _, m := range cs.Manifests {
		if m.Digest == dgst {
			return m
		}
	}
	return nil
}

// FindBlob returns the blob with the given digest, or nil.
func (cs *ContentSet) FindBlob(dgst digest.Digest) *Blob {
	for _, b := range cs.Blobs {
		if b.Digest == dgst {
			return b
		}
	}
	return nil
}

// Distribution publishes a repository version under a base path. When
// Version is nil the distribution tracks the repository's latest version.
type Distribution struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	BasePath     string     `json:"base_path"`
	RepositoryID *uuid.UUID `json:"repository_id,omitempty"`
	Version      *int64     `json:"version,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Remote is an upstream registry source for sync.
type Remote struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	URL          string         `json:"url"`
	UpstreamName string         `json:"upstream_name"`
	WhitelistTags string        `json:"whitelist_tags,omitempty"`
	Policy       DownloadPolicy `json:"policy"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Whitelist returns the parsed whitelist tag names. An empty result means
// all tags are synced.
func (r *Remote) Whitelist() []string {
	if r.WhitelistTags == "" {
		return nil
	}
	parts := strings.Split(r.WhitelistTags, ",")
	names := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

// Task records an asynchronous operation.
type Task struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	State            TaskState  `json:"state"`
	Reservations     []string   `json:"reservations,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedResources []string   `json:"created_resources,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// BlobKey returns the storage object key for a digest, docker-layout style:
// blobs/sha256/<hex>.
func BlobKey(dgst digest.Digest) string {
	return "blobs/" + string(dgst.Algorithm()) + "/" + dgst.Hex()
}
