package pulpdocker

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// BlobStore defines the interface for content-addressed byte storage.
// Object keys are produced by BlobKey.
type BlobStore interface {
	// Put writes the reader's bytes under objectKey and verifies them
	// against expected. Bytes that do not match are discarded.
	Put(ctx context.Context, objectKey string, expected digest.Digest, reader io.Reader) error

	// Get opens the object for reading.
	Get(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Exists reports whether the object is present.
	Exists(ctx context.Context, objectKey string) (bool, error)

	// Delete removes the object.
	Delete(ctx context.Context, objectKey string) error

	// Meta retrieves size and modification info for the object.
	Meta(ctx context.Context, objectKey string) (*ObjectMeta, error)

	// RedirectURL returns a direct client-facing URL for the object
	// (a presigned URL on S3 backends). Backends that cannot produce one
	// return an empty string and no error; callers then stream the bytes.
	RedirectURL(ctx context.Context, objectKey string) (string, error)
}

// ObjectMeta contains metadata about an object in storage.
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
}

// Store defines the interface for metadata persistence.
type Store interface {
	// Repository operations
	CreateRepository(ctx context.Context, repo *Repository) error
	GetRepository(ctx context.Context, id uuid.UUID) (*Repository, error)
	GetRepositoryByName(ctx context.Context, name string) (*Repository, error)
	ListRepositories(ctx context.Context) ([]*Repository, error)
	DeleteRepository(ctx context.Context, id uuid.UUID) error

	// Repository version operations
	CreateVersion(ctx context.Context, version *RepositoryVersion) error
	GetVersion(ctx context.Context, repositoryID uuid.UUID, number int64) (*RepositoryVersion, error)
	LatestVersion(ctx context.Context, repositoryID uuid.UUID) (*RepositoryVersion, error)
	ListVersions(ctx context.Context, repositoryID uuid.UUID) ([]*RepositoryVersion, error)

	// Blob operations
	CreateBlob(ctx context.Context, blob *Blob) error
	UpdateBlob(ctx context.Context, blob *Blob) error
	GetBlob(ctx context.Context, id uuid.UUID) (*Blob, error)
	GetBlobByDigest(ctx context.Context, dgst digest.Digest) (*Blob, error)
	ListBlobs(ctx context.Context) ([]*Blob, error)

	// Manifest operations
	CreateManifest(ctx context.Context, manifest *Manifest) error
	GetManifest(ctx context.Context, id uuid.UUID) (*Manifest, error)
	GetManifestByDigest(ctx context.Context, dgst digest.Digest) (*Manifest, error)
	ListManifests(ctx context.Context) ([]*Manifest, error)

	// Tag operations. GetOrCreateTag returns the existing unit for the
	// (name, tagged manifest) pair when one exists.
	GetOrCreateTag(ctx context.Context, tag *Tag) (*Tag, error)
	GetTag(ctx context.Context, id uuid.UUID) (*Tag, error)
	FindTags(ctx context.Context, name string) ([]*Tag, error)
	ListTags(ctx context.Context) ([]*Tag, error)

	// FilterContent resolves content unit ids into their typed records.
	// Unknown ids are skipped.
	FilterContent(ctx context.Context, ids []uuid.UUID) (*ContentSet, error)

	// Distribution operations
	CreateDistribution(ctx context.Context, dist *Distribution) error
	GetDistribution(ctx context.Context, id uuid.UUID) (*Distribution, error)
	GetDistributionByBasePath(ctx context.Context, basePath string) (*Distribution, error)
	ListDistributions(ctx context.Context) ([]*Distribution, error)
	UpdateDistribution(ctx context.Context, dist *Distribution) error
	DeleteDistribution(ctx context.Context, id uuid.UUID) error

	// Remote operations
	CreateRemote(ctx context.Context, remote *Remote) error
	GetRemote(ctx context.Context, id uuid.UUID) (*Remote, error)
	ListRemotes(ctx context.Context) ([]*Remote, error)
	UpdateRemote(ctx context.Context, remote *Remote) error
	DeleteRemote(ctx context.Context, id uuid.UUID) error

	// Task operations
	CreateTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)
}

// EventSink defines the interface for event handling
type EventSink interface {
	// VersionCreated is fired when a new repository version is created
	VersionCreated(ctx context.Context, version *RepositoryVersion) error

	// DistributionChanged is fired when a distribution is created, updated
	// or deleted
	DistributionChanged(ctx context.Context, dist *Distribution) error

	// SyncCompleted is fired after a sync run produced a new version
	SyncCompleted(ctx context.Context, remote *Remote, version *RepositoryVersion) error
}
