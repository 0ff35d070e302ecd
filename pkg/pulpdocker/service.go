package pulpdocker

import (
	"context"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// Service defines the management interface of the content service. All
// operations are synchronous; the HTTP layer wraps the long-running ones in
// tasks.
type Service interface {
	// Repository operations
	CreateRepository(ctx context.Context, req CreateRepositoryRequest) (*Repository, error)
	GetRepository(ctx context.Context, id uuid.UUID) (*Repository, error)
	GetRepositoryByName(ctx context.Context, name string) (*Repository, error)
	ListRepositories(ctx context.Context) ([]*Repository, error)
	DeleteRepository(ctx context.Context, id uuid.UUID) error

	// Repository version operations
	ListVersions(ctx context.Context, repositoryID uuid.UUID) ([]*RepositoryVersion, error)
	GetVersion(ctx context.Context, repositoryID uuid.UUID, number int64) (*RepositoryVersion, error)
	LatestVersion(ctx context.Context, repositoryID uuid.UUID) (*RepositoryVersion, error)
	VersionContent(ctx context.Context, version *RepositoryVersion) (*ContentSet, error)
	ModifyRepository(ctx context.Context, req ModifyRepositoryRequest) (*RepositoryVersion, error)

	// Image tagging. The Validate variants run the request checks without
	// writing anything; the HTTP layer uses them to reject bad requests
	// before a task is queued.
	TagImage(ctx context.Context, req TagImageRequest) (*RepositoryVersion, error)
	UntagImage(ctx context.Context, req UntagImageRequest) (*RepositoryVersion, error)
	ValidateTagImage(ctx context.Context, req TagImageRequest) error
	ValidateUntagImage(ctx context.Context, req UntagImageRequest) error

	// Content reads
	GetManifest(ctx context.Context, id uuid.UUID) (*Manifest, error)
	GetManifestByDigest(ctx context.Context, dgst digest.Digest) (*Manifest, error)
	ListManifests(ctx context.Context) ([]*Manifest, error)
	GetTag(ctx context.Context, id uuid.UUID) (*Tag, error)
	ListTags(ctx context.Context) ([]*Tag, error)
	GetBlob(ctx context.Context, id uuid.UUID) (*Blob, error)
	GetBlobByDigest(ctx context.Context, dgst digest.Digest) (*Blob, error)
	ListBlobs(ctx context.Context) ([]*Blob, error)

	// Distribution operations
	CreateDistribution(ctx context.Context, req CreateDistributionRequest) (*Distribution, error)
	UpdateDistribution(ctx context.Context, id uuid.UUID, req UpdateDistributionRequest) (*Distribution, error)
	DeleteDistribution(ctx context.Context, id uuid.UUID) error
	GetDistribution(ctx context.Context, id uuid.UUID) (*Distribution, error)
	ListDistributions(ctx context.Context) ([]*Distribution, error)

	// ResolveBasePath matches a registry request path to a distribution and
	// the repository version it currently serves. The version is nil when
	// the distribution has no repository or the repository is gone.
	ResolveBasePath(ctx context.Context, basePath string) (*Distribution, *RepositoryVersion, error)

	// RegistryPath computes the host/base_path string clients pass to
	// docker pull. The configured content host wins over the request host.
	RegistryPath(dist *Distribution, requestHost string) string

	// Remote operations
	CreateRemote(ctx context.Context, req CreateRemoteRequest) (*Remote, error)
	UpdateRemote(ctx context.Context, id uuid.UUID, req UpdateRemoteRequest) (*Remote, error)
	DeleteRemote(ctx context.Context, id uuid.UUID) error
	GetRemote(ctx context.Context, id uuid.UUID) (*Remote, error)
	ListRemotes(ctx context.Context) ([]*Remote, error)

	// Storage backend operations
	RegisterBackend(name string, backend BlobStore)
	GetBackend(name string) (BlobStore, error)
	DefaultBackend() (BlobStore, error)
}
