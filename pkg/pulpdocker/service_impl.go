package pulpdocker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// service implements the Service interface
type service struct {
	store          Store
	blobStores     map[string]BlobStore
	defaultBackend string
	events         EventSink
	contentHost    string
	logger         *slog.Logger
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithStore sets the metadata store for the service
func WithStore(store Store) Option {
	return func(s *service) {
		s.store = store
	}
}

// WithBlobStore adds a blob storage backend. The first registered backend
// becomes the default unless WithDefaultBackend overrides it.
func WithBlobStore(name string, store BlobStore) Option {
	return func(s *service) {
		if s.blobStores == nil {
			s.blobStores = make(map[string]BlobStore)
		}
		if len(s.blobStores) == 0 && s.defaultBackend == "" {
			s.defaultBackend = name
		}
		s.blobStores[name] = store
	}
}

// WithDefaultBackend selects the backend used when none is named
func WithDefaultBackend(name string) Option {
	return func(s *service) {
		s.defaultBackend = name
	}
}

// WithEventSink sets the event sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *service) {
		s.events = sink
	}
}

// WithContentHost sets the host used when computing registry paths,
// overriding the per-request host (the CONTENT_HOST setting).
func WithContentHost(host string) Option {
	return func(s *service) {
		s.contentHost = host
	}
}

// WithLogger sets the structured logger for the service
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		blobStores: make(map[string]BlobStore),
	}

	for _, option := range options {
		option(s)
	}

	if s.store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s, nil
}

// Repository operations

func (s *service) CreateRepository(ctx context.Context, req CreateRepositoryRequest) (*Repository, error) {
	if req.Name == "" {
		return nil, Validationf("repository name must not be empty")
	}
	if _, err := s.store.GetRepositoryByName(ctx, req.Name); err == nil {
		return nil, Validationf("a repository named %q already exists", req.Name)
	} else if !errors.Is(err, ErrRepositoryNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	repo := &Repository{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRepository(ctx, repo); err != nil {
		return nil, &RepositoryError{RepositoryID: repo.ID, Op: "create", Err: err}
	}

	// Version 0 is the empty starting point of every repository.
	version := &RepositoryVersion{
		ID:           uuid.New(),
		RepositoryID: repo.ID,
		Number:       0,
		CreatedAt:    now,
	}
	if err := s.store.CreateVersion(ctx, version); err != nil {
		return nil, &RepositoryError{RepositoryID: repo.ID, Op: "create_version", Err: err}
	}

	s.logger.InfoContext(ctx, "repository created", "repository", repo.Name, "id", repo.ID)
	return repo, nil
}

func (s *service) GetRepository(ctx context.Context, id uuid.UUID) (*Repository, error) {
	return s.store.GetRepository(ctx, id)
}

func (s *service) GetRepositoryByName(ctx context.Context, name string) (*Repository, error) {
	return s.store.GetRepositoryByName(ctx, name)
}

func (s *service) ListRepositories(ctx context.Context) ([]*Repository, error) {
	return s.store.ListRepositories(ctx)
}

func (s *service) DeleteRepository(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteRepository(ctx, id); err != nil {
		return &RepositoryError{RepositoryID: id, Op: "delete", Err: err}
	}
	s.logger.InfoContext(ctx, "repository deleted", "id", id)
	return nil
}

// Repository version operations

func (s *service) ListVersions(ctx context.Context, repositoryID uuid.UUID) ([]*RepositoryVersion, error) {
	return s.store.ListVersions(ctx, repositoryID)
}

func (s *service) GetVersion(ctx context.Context, repositoryID uuid.UUID, number int64) (*RepositoryVersion, error) {
	return s.store.GetVersion(ctx, repositoryID, number)
}

func (s *service) LatestVersion(ctx context.Context, repositoryID uuid.UUID) (*RepositoryVersion, error) {
	return s.store.LatestVersion(ctx, repositoryID)
}

func (s *service) VersionContent(ctx context.Context, version *RepositoryVersion) (*ContentSet, error) {
	if version == nil || len(version.ContentIDs) == 0 {
		return &ContentSet{}, nil
	}
	return s.store.FilterContent(ctx, version.ContentIDs)
}

// ModifyRepository derives a new version from the repository's latest one:
// the base content set minus Remove plus Add. The result always gets the
// next consecutive number, even when the set is unchanged.
func (s *service) ModifyRepository(ctx context.Context, req ModifyRepositoryRequest) (*RepositoryVersion, error) {
	if _, err := s.store.GetRepository(ctx, req.RepositoryID); err != nil {
		return nil, err
	}
	base, err := s.store.LatestVersion(ctx, req.RepositoryID)
	if err != nil {
		return nil, err
	}

	removed := make(map[uuid.UUID]struct{}, len(req.Remove))
	for _, id := range req.Remove {
		removed[id] = struct{}{}
	}
	next := make([]uuid.UUID, 0, len(base.ContentIDs)+len(req.Add))
	present := make(map[uuid.UUID]struct{}, len(base.ContentIDs))
	for _, id := range base.ContentIDs {
		if _, drop := removed[id]; drop {
			continue
		}
		next = append(next, id)
		present[id] = struct{}{}
	}
	for _, id := range req.Add {
		if _, ok := present[id]; ok {
			continue
		}
		next = append(next, id)
		present[id] = struct{}{}
	}

	version := &RepositoryVersion{
		ID:           uuid.New(),
		RepositoryID: req.RepositoryID,
		Number:       base.Number + 1,
		ContentIDs:   next,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateVersion(ctx, version); err != nil {
		return nil, &RepositoryError{RepositoryID: req.RepositoryID, Op: "new_version", Err: err}
	}

	if s.events != nil {
		if err := s.events.VersionCreated(ctx, version); err != nil {
			s.logger.WarnContext(ctx, "version created event failed", "error", err)
		}
	}
	s.logger.InfoContext(ctx, "repository version created",
		"repository_id", req.RepositoryID, "number", version.Number, "units", len(next))
	return version, nil
}

// Image tagging

// resolveTagTarget resolves the repository and its latest version for a
// tag/untag request. The version reference wins when both are given.
func (s *service) resolveTagTarget(ctx context.Context, repositoryID, versionID *uuid.UUID) (*Repository, *RepositoryVersion, error) {
	var repoID uuid.UUID
	switch {
	case versionID != nil:
		version, err := s.findVersionByID(ctx, *versionID)
		if err != nil {
			return nil, nil, err
		}
		repoID = version.RepositoryID
	case repositoryID != nil:
		repoID = *repositoryID
	default:
		return nil, nil, Validationf("either 'repository' or 'repository_version' needs to be specified")
	}

	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, nil, err
	}
	latest, err := s.store.LatestVersion(ctx, repoID)
	if err != nil {
		return nil, nil, err
	}
	return repo, latest, nil
}

// findVersionByID scans repositories for a version id. Version references
// arrive as bare ids from the API; resolving through the owning repository
// keeps the store interface narrow.
func (s *service) findVersionByID(ctx context.Context, id uuid.UUID) (*RepositoryVersion, error) {
	repos, err := s.store.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		versions, err := s.store.ListVersions(ctx, repo.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			if v.ID == id {
				return v, nil
			}
		}
	}
	return nil, ErrVersionNotFound
}

func (s *service) ValidateTagImage(ctx context.Context, req TagImageRequest) error {
	_, _, _, err := s.checkTagImage(ctx, req)
	return err
}

func (s *service) checkTagImage(ctx context.Context, req TagImageRequest) (*Repository, *RepositoryVersion, *Manifest, error) {
	if req.Tag == "" {
		return nil, nil, nil, Validationf("a tag name is required")
	}
	repo, latest, err := s.resolveTagTarget(ctx, req.RepositoryID, req.RepositoryVersionID)
	if err != nil {
		return nil, nil, nil, err
	}
	manifest, err := s.store.GetManifestByDigest(ctx, req.Digest)
	if err != nil {
		if errors.Is(err, ErrManifestNotFound) {
			return nil, nil, nil, Validationf("the digest %q does not exist", req.Digest)
		}
		return nil, nil, nil, err
	}
	if !latest.Contains(manifest.ID) {
		return nil, nil, nil, Validationf("the manifest %q does not exist in the repository %q", req.Digest, repo.Name)
	}
	return repo, latest, manifest, nil
}

// TagImage binds a tag name to a manifest in a new repository version. An
// existing tag of the same name is replaced.
func (s *service) TagImage(ctx context.Context, req TagImageRequest) (*RepositoryVersion, error) {
	repo, latest, manifest, err := s.checkTagImage(ctx, req)
	if err != nil {
		return nil, err
	}

	tag, err := s.store.GetOrCreateTag(ctx, &Tag{
		ID:             uuid.New(),
		Name:           req.Tag,
		TaggedManifest: manifest.Digest,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	content, err := s.store.FilterContent(ctx, latest.ContentIDs)
	if err != nil {
		return nil, err
	}
	var remove []uuid.UUID
	for _, t := range content.Tags {
		if t.Name == req.Tag && t.ID != tag.ID {
			remove = append(remove, t.ID)
		}
	}

	version, err := s.ModifyRepository(ctx, ModifyRepositoryRequest{
		RepositoryID: repo.ID,
		Add:          []uuid.UUID{tag.ID},
		Remove:       remove,
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "image tagged",
		"repository", repo.Name, "tag", req.Tag, "digest", req.Digest.String())
	return version, nil
}

func (s *service) ValidateUntagImage(ctx context.Context, req UntagImageRequest) error {
	_, _, _, err := s.checkUntagImage(ctx, req)
	return err
}

func (s *service) checkUntagImage(ctx context.Context, req UntagImageRequest) (*Repository, *RepositoryVersion, []*Tag, error) {
	if req.Tag == "" {
		return nil, nil, nil, Validationf("a tag name is required")
	}
	repo, latest, err := s.resolveTagTarget(ctx, req.RepositoryID, req.RepositoryVersionID)
	if err != nil {
		return nil, nil, nil, err
	}
	content, err := s.store.FilterContent(ctx, latest.ContentIDs)
	if err != nil {
		return nil, nil, nil, err
	}
	var tags []*Tag
	for _, t := range content.Tags {
		if t.Name == req.Tag {
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		return nil, nil, nil, Validationf("the tag %q does not exist in the repository %q", req.Tag, repo.Name)
	}
	return repo, latest, tags, nil
}

// UntagImage removes every tag unit with the given name from the
// repository's latest version into a new version.
func (s *service) UntagImage(ctx context.Context, req UntagImageRequest) (*RepositoryVersion, error) {
	repo, _, tags, err := s.checkUntagImage(ctx, req)
	if err != nil {
		return nil, err
	}
	remove := make([]uuid.UUID, len(tags))
	for i, t := range tags {
		remove[i] = t.ID
	}
	version, err := s.ModifyRepository(ctx, ModifyRepositoryRequest{
		RepositoryID: repo.ID,
		Remove:       remove,
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "image untagged", "repository", repo.Name, "tag", req.Tag)
	return version, nil
}

// Content reads

func (s *service) GetManifest(ctx context.Context, id uuid.UUID) (*Manifest, error) {
	return s.store.GetManifest(ctx, id)
}

func (s *service) GetManifestByDigest(ctx context.Context, dgst digest.Digest) (*Manifest, error) {
	return s.store.GetManifestByDigest(ctx, dgst)
}

func (s *service) ListManifests(ctx context.Context) ([]*Manifest, error) {
	return s.store.ListManifests(ctx)
}

func (s *service) GetTag(ctx context.Context, id uuid.UUID) (*Tag, error) {
	return s.store.GetTag(ctx, id)
}

func (s *service) ListTags(ctx context.Context) ([]*Tag, error) {
	return s.store.ListTags(ctx)
}

func (s *service) GetBlob(ctx context.Context, id uuid.UUID) (*Blob, error) {
	return s.store.GetBlob(ctx, id)
}

func (s *service) GetBlobByDigest(ctx context.Context, dgst digest.Digest) (*Blob, error) {
	return s.store.GetBlobByDigest(ctx, dgst)
}

func (s *service) ListBlobs(ctx context.Context) ([]*Blob, error) {
	return s.store.ListBlobs(ctx)
}

// Distribution operations

func (s *service) CreateDistribution(ctx context.Context, req CreateDistributionRequest) (*Distribution, error) {
	if req.Name == "" {
		return nil, Validationf("distribution name must not be empty")
	}
	if req.BasePath == "" {
		return nil, Validationf("base_path must not be empty")
	}
	if _, err := s.store.GetDistributionByBasePath(ctx, req.BasePath); err == nil {
		return nil, ErrBasePathTaken
	} else if !errors.Is(err, ErrDistributionNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	dist := &Distribution{
		ID:           uuid.New(),
		Name:         req.Name,
		BasePath:     req.BasePath,
		RepositoryID: req.RepositoryID,
		Version:      req.Version,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateDistribution(ctx, dist); err != nil {
		return nil, &DistributionError{DistributionID: dist.ID, Op: "create", Err: err}
	}
	s.fireDistributionChanged(ctx, dist)
	return dist, nil
}

func (s *service) UpdateDistribution(ctx context.Context, id uuid.UUID, req UpdateDistributionRequest) (*Distribution, error) {
	dist, err := s.store.GetDistribution(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		dist.Name = *req.Name
	}
	if req.BasePath != nil && *req.BasePath != dist.BasePath {
		if *req.BasePath == "" {
			return nil, Validationf("base_path must not be empty")
		}
		if other, err := s.store.GetDistributionByBasePath(ctx, *req.BasePath); err == nil && other.ID != id {
			return nil, ErrBasePathTaken
		} else if err != nil && !errors.Is(err, ErrDistributionNotFound) {
			return nil, err
		}
		dist.BasePath = *req.BasePath
	}
	if req.RepositoryID != nil {
		dist.RepositoryID = req.RepositoryID
	} else if !req.Partial {
		dist.RepositoryID = nil
	}
	if req.Version != nil {
		dist.Version = req.Version
	} else if !req.Partial {
		dist.Version = nil
	}
	dist.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateDistribution(ctx, dist); err != nil {
		return nil, &DistributionError{DistributionID: id, Op: "update", Err: err}
	}
	s.fireDistributionChanged(ctx, dist)
	return dist, nil
}

func (s *service) DeleteDistribution(ctx context.Context, id uuid.UUID) error {
	dist, err := s.store.GetDistribution(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDistribution(ctx, id); err != nil {
		return &DistributionError{DistributionID: id, Op: "delete", Err: err}
	}
	s.fireDistributionChanged(ctx, dist)
	return nil
}

func (s *service) GetDistribution(ctx context.Context, id uuid.UUID) (*Distribution, error) {
	return s.store.GetDistribution(ctx, id)
}

func (s *service) ListDistributions(ctx context.Context) ([]*Distribution, error) {
	return s.store.ListDistributions(ctx)
}

func (s *service) ResolveBasePath(ctx context.Context, basePath string) (*Distribution, *RepositoryVersion, error) {
	dist, err := s.store.GetDistributionByBasePath(ctx, basePath)
	if err != nil {
		return nil, nil, err
	}
	if dist.RepositoryID == nil {
		return dist, nil, nil
	}

	var version *RepositoryVersion
	if dist.Version != nil {
		version, err = s.store.GetVersion(ctx, *dist.RepositoryID, *dist.Version)
	} else {
		version, err = s.store.LatestVersion(ctx, *dist.RepositoryID)
	}
	if err != nil {
		// A distribution may outlive its repository; it then serves nothing.
		if errors.Is(err, ErrRepositoryNotFound) || errors.Is(err, ErrVersionNotFound) {
			return dist, nil, nil
		}
		return nil, nil, err
	}
	return dist, version, nil
}

func (s *service) RegistryPath(dist *Distribution, requestHost string) string {
	host := s.contentHost
	if host == "" {
		host = requestHost
	}
	return host + "/" + dist.BasePath
}

func (s *service) fireDistributionChanged(ctx context.Context, dist *Distribution) {
	if s.events == nil {
		return
	}
	if err := s.events.DistributionChanged(ctx, dist); err != nil {
		s.logger.WarnContext(ctx, "distribution changed event failed", "error", err)
	}
}

// Remote operations

func (s *service) CreateRemote(ctx context.Context, req CreateRemoteRequest) (*Remote, error) {
	if req.Name == "" {
		return nil, Validationf("remote name must not be empty")
	}
	if req.URL == "" {
		return nil, Validationf("remote url must not be empty")
	}
	if req.UpstreamName == "" {
		return nil, Validationf("upstream_name must not be empty")
	}
	policy := req.Policy
	if policy == "" {
		policy = PolicyImmediate
	}
	if policy != PolicyImmediate && policy != PolicyOnDemand {
		return nil, Validationf("unknown download policy %q", policy)
	}

	now := time.Now().UTC()
	remote := &Remote{
		ID:            uuid.New(),
		Name:          req.Name,
		URL:           req.URL,
		UpstreamName:  req.UpstreamName,
		WhitelistTags: req.WhitelistTags,
		Policy:        policy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateRemote(ctx, remote); err != nil {
		return nil, err
	}
	return remote, nil
}

func (s *service) UpdateRemote(ctx context.Context, id uuid.UUID, req UpdateRemoteRequest) (*Remote, error) {
	remote, err := s.store.GetRemote(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		remote.Name = *req.Name
	}
	if req.URL != nil {
		remote.URL = *req.URL
	}
	if req.UpstreamName != nil {
		remote.UpstreamName = *req.UpstreamName
	}
	if req.WhitelistTags != nil {
		remote.WhitelistTags = *req.WhitelistTags
	}
	if req.Policy != nil {
		if *req.Policy != PolicyImmediate && *req.Policy != PolicyOnDemand {
			return nil, Validationf("unknown download policy %q", *req.Policy)
		}
		remote.Policy = *req.Policy
	}
	remote.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateRemote(ctx, remote); err != nil {
		return nil, err
	}
	return remote, nil
}

func (s *service) DeleteRemote(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteRemote(ctx, id)
}

func (s *service) GetRemote(ctx context.Context, id uuid.UUID) (*Remote, error) {
	return s.store.GetRemote(ctx, id)
}

func (s *service) ListRemotes(ctx context.Context) ([]*Remote, error) {
	return s.store.ListRemotes(ctx)
}

// Storage backend operations

func (s *service) RegisterBackend(name string, backend BlobStore) {
	if s.blobStores == nil {
		s.blobStores = make(map[string]BlobStore)
	}
	if len(s.blobStores) == 0 && s.defaultBackend == "" {
		s.defaultBackend = name
	}
	s.blobStores[name] = backend
}

func (s *service) GetBackend(name string) (BlobStore, error) {
	backend, ok := s.blobStores[name]
	if !ok {
		return nil, ErrStorageBackendNotFound
	}
	return backend, nil
}

func (s *service) DefaultBackend() (BlobStore, error) {
	return s.GetBackend(s.defaultBackend)
}
