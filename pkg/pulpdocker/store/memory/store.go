package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

// Store implements pulpdocker.Store using in-memory maps. It is safe for
// concurrent use and intended for tests and single-node development setups.
type Store struct {
	mu            sync.RWMutex
	repositories  map[uuid.UUID]*pulpdocker.Repository
	versions      map[uuid.UUID][]*pulpdocker.RepositoryVersion // repository_id -> versions ordered by number
	blobs         map[uuid.UUID]*pulpdocker.Blob
	blobsByDigest map[digest.Digest]uuid.UUID
	manifests     map[uuid.UUID]*pulpdocker.Manifest
	manByDigest   map[digest.Digest]uuid.UUID
	tags          map[uuid.UUID]*pulpdocker.Tag
	distributions map[uuid.UUID]*pulpdocker.Distribution
	remotes       map[uuid.UUID]*pulpdocker.Remote
	tasks         map[uuid.UUID]*pulpdocker.Task
}

// New creates a new in-memory store
func New() pulpdocker.Store {
	return &Store{
		repositories:  make(map[uuid.UUID]*pulpdocker.Repository),
		versions:      make(map[uuid.UUID][]*pulpdocker.RepositoryVersion),
		blobs:         make(map[uuid.UUID]*pulpdocker.Blob),
		blobsByDigest: make(map[digest.Digest]uuid.UUID),
		manifests:     make(map[uuid.UUID]*pulpdocker.Manifest),
		manByDigest:   make(map[digest.Digest]uuid.UUID),
		tags:          make(map[uuid.UUID]*pulpdocker.Tag),
		distributions: make(map[uuid.UUID]*pulpdocker.Distribution),
		remotes:       make(map[uuid.UUID]*pulpdocker.Remote),
		tasks:         make(map[uuid.UUID]*pulpdocker.Task),
	}
}

// Repository operations

func (s *Store) CreateRepository(ctx context.Context, repo *pulpdocker.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repoCopy := *repo
	s.repositories[repo.ID] = &repoCopy
	return nil
}

func (s *Store) GetRepository(ctx context.Context, id uuid.UUID) (*pulpdocker.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, ok := s.repositories[id]
	if !ok {
		return nil, pulpdocker.ErrRepositoryNotFound
	}
	repoCopy := *repo
	return &repoCopy, nil
}

func (s *Store) GetRepositoryByName(ctx context.Context, name string) (*pulpdocker.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, repo := range s.repositories {
		if repo.Name == name {
			repoCopy := *repo
			return &repoCopy, nil
		}
	}
	return nil, pulpdocker.ErrRepositoryNotFound
}

func (s *Store) ListRepositories(ctx context.Context) ([]*pulpdocker.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pulpdocker.Repository, 0, len(s.repositories))
	for _, repo := range s.repositories {
		repoCopy := *repo
		result = append(result, &repoCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) DeleteRepository(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repositories[id]; !ok {
		return pulpdocker.ErrRepositoryNotFound
	}
	delete(s.repositories, id)
	delete(s.versions, id)
	return nil
}

// Repository version operations

func (s *Store) CreateVersion(ctx context.Context, version *pulpdocker.RepositoryVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repositories[version.RepositoryID]; !ok {
		return pulpdocker.ErrRepositoryNotFound
	}
	versionCopy := *version
	versionCopy.ContentIDs = append([]uuid.UUID(nil), version.ContentIDs...)
	s.versions[version.RepositoryID] = append(s.versions[version.RepositoryID], &versionCopy)
	sort.Slice(s.versions[version.RepositoryID], func(i, j int) bool {
		return s.versions[version.RepositoryID][i].Number < s.versions[version.RepositoryID][j].Number
	})
	return nil
}

func (s *Store) GetVersion(ctx context.Context, repositoryID uuid.UUID, number int64) (*pulpdocker.RepositoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions[repositoryID] {
		if v.Number == number {
			return copyVersion(v), nil
		}
	}
	return nil, pulpdocker.ErrVersionNotFound
}

func (s *Store) LatestVersion(ctx context.Context, repositoryID uuid.UUID) (*pulpdocker.RepositoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.repositories[repositoryID]; !ok {
		return nil, pulpdocker.ErrRepositoryNotFound
	}
	versions := s.versions[repositoryID]
	if len(versions) == 0 {
		return nil, pulpdocker.ErrVersionNotFound
	}
	return copyVersion(versions[len(versions)-1]), nil
}

func (s *Store) ListVersions(ctx context.Context, repositoryID uuid.UUID) ([]*pulpdocker.RepositoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.repositories[repositoryID]; !ok {
		return nil, pulpdocker.ErrRepositoryNotFound
	}
	versions := s.versions[repositoryID]
	result := make([]*pulpdocker.RepositoryVersion, 0, len(versions))
	for _, v := range versions {
		result = append(result, copyVersion(v))
	}
	return result, nil
}

func copyVersion(v *pulpdocker.RepositoryVersion) *pulpdocker.RepositoryVersion {
	versionCopy := *v
	versionCopy.ContentIDs = append([]uuid.UUID(nil), v.ContentIDs...)
	return &versionCopy
}

// Blob operations

func (s *Store) CreateBlob(ctx context.Context, blob *pulpdocker.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.blobsByDigest[blob.Digest]; ok {
		// Content-addressed units are shared; creating an existing digest
		// adopts the stored record.
		*blob = *s.blobs[existing]
		return nil
	}
	blobCopy := *blob
	s.blobs[blob.ID] = &blobCopy
	s.blobsByDigest[blob.Digest] = blob.ID
	return nil
}

func (s *Store) UpdateBlob(ctx context.Context, blob *pulpdocker.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[blob.ID]; !ok {
		return pulpdocker.ErrBlobNotFound
	}
	blobCopy := *blob
	s.blobs[blob.ID] = &blobCopy
	return nil
}

func (s *Store) GetBlob(ctx context.Context, id uuid.UUID) (*pulpdocker.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[id]
	if !ok {
		return nil, pulpdocker.ErrBlobNotFound
	}
	blobCopy := *blob
	return &blobCopy, nil
}

func (s *Store) GetBlobByDigest(ctx context.Context, dgst digest.Digest) (*pulpdocker.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.blobsByDigest[dgst]
	if !ok {
		return nil, pulpdocker.ErrBlobNotFound
	}
	blobCopy := *s.blobs[id]
	return &blobCopy, nil
}

func (s *Store) ListBlobs(ctx context.Context) ([]*pulpdocker.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pulpdocker.Blob, 0, len(s.blobs))
	for _, b := range s.blobs {
		blobCopy := *b
		result = append(result, &blobCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Manifest operations

func (s *Store) CreateManifest(ctx context.Context, manifest *pulpdocker.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.manByDigest[manifest.Digest]; ok {
		*manifest = *s.manifests[existing]
		return nil
	}
	manifestCopy := *manifest
	s.manifests[manifest.ID] = &manifestCopy
	s.manByDigest[manifest.Digest] = manifest.ID
	return nil
}

func (s *Store) GetManifest(ctx context.Context, id uuid.UUID) (*pulpdocker.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	manifest, ok := s.manifests[id]
	if !ok {
		return nil, pulpdocker.ErrManifestNotFound
	}
	manifestCopy := *manifest
	return &manifestCopy, nil
}

func (s *Store) GetManifestByDigest(ctx context.Context, dgst digest.Digest) (*pulpdocker.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.manByDigest[dgst]
	if !ok {
		return nil, pulpdocker.ErrManifestNotFound
	}
	manifestCopy := *s.manifests[id]
	return &manifestCopy, nil
}

func (s *Store) ListManifests(ctx context.Context) ([]*pulpdocker.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pulpdocker.Manifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		manifestCopy := *m
		result = append(result, &manifestCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Tag operations

func (s *Store) GetOrCreateTag(ctx context.Context, tag *pulpdocker.Tag) (*pulpdocker.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tags {
		if t.Name == tag.Name && t.TaggedManifest == tag.TaggedManifest {
			tagCopy := *t
			return &tagCopy, nil
		}
	}
	tagCopy := *tag
	s.tags[tag.ID] = &tagCopy
	result := tagCopy
	return &result, nil
}

func (s *Store) GetTag(ctx context.Context, id uuid.UUID) (*pulpdocker.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tag, ok := s.tags[id]
	if !ok {
		return nil, pulpdocker.ErrTagNotFound
	}
	tagCopy := *tag
	return &tagCopy, nil
}

func (s *Store) FindTags(ctx context.Context, name string) ([]*pulpdocker.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*pulpdocker.Tag
	for _, t := range s.tags {
		if t.Name == name {
			tagCopy := *t
			result = append(result, &tagCopy)
		}
	}
	return result, nil
}

func (s *Store) ListTags(ctx context.Context) ([]*pulpdocker.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pulpdocker.Tag, 0, len(s.tags))
	for _, t := range s.tags {
		tagCopy := *t
		result = append(result, &tagCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (s *Store) FilterContent(ctx context.Context, ids []uuid.UUID) (*pulpdocker.ContentSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := &pulpdocker.ContentSet{}
	for _, id := range ids {
		if t, ok := s.tags[id]; ok {
			tagCopy := *t
			set.Tags = append(set.Tags, &tagCopy)
			continue
		}
		if m, ok := s.manifests[id]; ok {
			manifestCopy := *m
			set.Manifests = append(set.Manifests, &manifestCopy)
			continue
		}
		if b, ok := s.blobs[id]; ok {
			blobCopy := *b
			set.Blobs = append(set.Blobs, &blobCopy)
		}
	}
	return set, nil
}

// Distribution operations

func (s *Store) CreateDistribution(ctx context.Context, dist *pulpdocker.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	distCopy := *dist
	s.distributions[dist.ID] = &distCopy
	return nil
}

func (s *Store) GetDistribution(ctx context.Context, id uuid.UUID) (*pulpdocker.Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dist, ok := s.distributions[id]
	if !ok {
		return nil, pulpdocker.ErrDistributionNotFound
	}
	distCopy := *dist
	return &distCopy, nil
}

func (s *Store) GetDistributionByBasePath(ctx context.Context, basePath string) (*pulpdocker.Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, dist := range s.distributions {
		if dist.BasePath == basePath {
			distCopy := *dist
			return &distCopy, nil
		}
	}
	return nil, pulpdocker.ErrDistributionNotFound
}

func (s *Store) ListDistributions(ctx context.Context) ([]*pulpdocker.Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pulpdocker.Distribution, 0, len(s.distributions))
	for _, dist := range s.distributions {
		distCopy := *dist
		result = append(result, &distCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].BasePath < result[j].BasePath
	})
	return result, nil
}

func (s *Store) UpdateDistribution(ctx context.Context, dist *pulpdocker.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.distributions[dist.ID]; !ok {
		return pulpdocker.ErrDistributionNotFound
	}
	distCopy := *dist
	s.distributions[dist.ID] = &distCopy
	return nil
}

func (s *Store) DeleteDistribution(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.distributions[id]; !ok {
		return pulpdocker.ErrDistributionNotFound
	}
	delete(s.distributions, id)
	return nil
}

// Remote operations

func (s *Store) CreateRemote(ctx context.Context, remote *pulpdocker.Remote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	remoteCopy := *remote
	s.remotes[remote.ID] = &remoteCopy
	return nil
}

func (s *Store) GetRemote(ctx context.Context, id uuid.UUID) (*pulpdocker.Remote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	remote, ok := s.remotes[id]
	if !ok {
		return nil, pulpdocker.ErrRemoteNotFound
	}
	remoteCopy := *remote
	return &remoteCopy, nil
}

func (s *Store) ListRemotes(ctx context.Context) ([]*pulpdocker.Remote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pulpdocker.Remote, 0, len(s.remotes))
	for _, remote := range s.remotes {
		remoteCopy := *remote
		result = append(result, &remoteCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (s *Store) UpdateRemote(ctx context.Context, remote *pulpdocker.Remote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.remotes[remote.ID]; !ok {
		return pulpdocker.ErrRemoteNotFound
	}
	remoteCopy := *remote
	s.remotes[remote.ID] = &remoteCopy
	return nil
}

func (s *Store) DeleteRemote(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.remotes[id]; !ok {
		return pulpdocker.ErrRemoteNotFound
	}
	delete(s.remotes, id)
	return nil
}

// Task operations

func (s *Store) CreateTask(ctx context.Context, task *pulpdocker.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taskCopy := copyTask(task)
	s.tasks[task.ID] = taskCopy
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *pulpdocker.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return pulpdocker.ErrTaskNotFound
	}
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*pulpdocker.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, pulpdocker.ErrTaskNotFound
	}
	return copyTask(task), nil
}

func (s *Store) ListTasks(ctx context.Context) ([]*pulpdocker.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pulpdocker.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		result = append(result, copyTask(task))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func copyTask(t *pulpdocker.Task) *pulpdocker.Task {
	taskCopy := *t
	taskCopy.Reservations = append([]string(nil), t.Reservations...)
	taskCopy.CreatedResources = append([]string(nil), t.CreatedResources...)
	return &taskCopy
}
