// Package sync pulls container image content from an upstream registry into
// a repository, producing at most one new repository version per run.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/schema2"
)

// Option configures a Syncer
type Option func(*Syncer)

// WithLogger sets the logger used by the syncer and its registry clients
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithEventSink sets the sink notified when a sync produces a new version
func WithEventSink(events pulpdocker.EventSink) Option {
	return func(s *Syncer) {
		s.events = events
	}
}

// WithClientFactory overrides how registry clients are built, for tests
func WithClientFactory(fn func(*pulpdocker.Remote) *Client) Option {
	return func(s *Syncer) {
		s.newClient = fn
	}
}

// Syncer mirrors tagged content from a remote into a repository.
type Syncer struct {
	store     pulpdocker.Store
	blobs     pulpdocker.BlobStore
	events    pulpdocker.EventSink
	logger    *slog.Logger
	newClient func(*pulpdocker.Remote) *Client
}

// NewSyncer creates a syncer writing metadata to store and artifact bytes to
// blobs.
func NewSyncer(store pulpdocker.Store, blobs pulpdocker.BlobStore, options ...Option) *Syncer {
	s := &Syncer{
		store:  store,
		blobs:  blobs,
		events: pulpdocker.NewNoopEventSink(),
		logger: slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	if s.newClient == nil {
		s.newClient = func(remote *pulpdocker.Remote) *Client {
			return NewClient(remote, s.logger)
		}
	}
	return s
}

// run carries the state of one sync invocation.
type run struct {
	syncer *Syncer
	client *Client
	remote *pulpdocker.Remote

	// synced content unit ids, deduplicated
	content map[uuid.UUID]struct{}
	// tag name -> synced tag unit, used to retire stale same-name tags
	tags map[uuid.UUID]string
	// manifests already processed this run, keyed by digest
	seen map[digest.Digest]uuid.UUID

	bytesDownloaded int64
}

// Sync fetches the remote's tagged content into the repository and returns
// the resulting repository version. When the run changes nothing, the
// current latest version is returned and no new version is created.
func (s *Syncer) Sync(ctx context.Context, repositoryID, remoteID uuid.UUID) (*pulpdocker.RepositoryVersion, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	remote, err := s.store.GetRemote(ctx, remoteID)
	if err != nil {
		return nil, err
	}

	r := &run{
		syncer:  s,
		client:  s.newClient(remote),
		remote:  remote,
		content: make(map[uuid.UUID]struct{}),
		tags:    make(map[uuid.UUID]string),
		seen:    make(map[digest.Digest]uuid.UUID),
	}

	tagNames, err := r.client.Tags(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list upstream tags: %w", err)
	}
	tagNames = filterTags(tagNames, remote.Whitelist())

	s.logger.Info("sync started",
		"repository", repo.Name,
		"remote", remote.Name,
		"upstream", remote.UpstreamName,
		"tags", len(tagNames),
		"policy", string(remote.Policy))

	for _, name := range tagNames {
		if err := r.syncTag(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to sync tag %q: %w", name, err)
		}
	}

	version, created, err := r.buildVersion(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("sync finished",
		"repository", repo.Name,
		"remote", remote.Name,
		"version", version.Number,
		"new_version", created,
		"bytes_downloaded", r.bytesDownloaded)

	if created {
		if err := s.events.VersionCreated(ctx, version); err != nil {
			s.logger.Error("version created event failed", "error", err)
		}
	}
	if err := s.events.SyncCompleted(ctx, remote, version); err != nil {
		s.logger.Error("sync completed event failed", "error", err)
	}
	return version, nil
}

// filterTags keeps only whitelisted names. An empty whitelist keeps all.
func filterTags(names, whitelist []string) []string {
	if len(whitelist) == 0 {
		return names
	}
	allowed := make(map[string]struct{}, len(whitelist))
	for _, w := range whitelist {
		allowed[w] = struct{}{}
	}
	var kept []string
	for _, name := range names {
		if _, ok := allowed[name]; ok {
			kept = append(kept, name)
		}
	}
	return kept
}

// syncTag fetches the manifest a tag points at, records the content graph
// under it, and records the tag unit itself.
func (r *run) syncTag(ctx context.Context, name string) error {
	payload, mediaType, dgst, err := r.client.Manifest(ctx, name)
	if err != nil {
		return err
	}
	if _, err := r.syncManifest(ctx, payload, mediaType, dgst); err != nil {
		return err
	}

	tag, err := r.syncer.store.GetOrCreateTag(ctx, &pulpdocker.Tag{
		ID:             uuid.New(),
		Name:           name,
		TaggedManifest: dgst,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	r.content[tag.ID] = struct{}{}
	r.tags[tag.ID] = tag.Name
	return nil
}

// syncManifest stores a manifest payload and every content unit it
// references. Manifest list members are fetched recursively by digest.
func (r *run) syncManifest(ctx context.Context, payload []byte, mediaType string, dgst digest.Digest) (uuid.UUID, error) {
	if id, ok := r.seen[dgst]; ok {
		return id, nil
	}

	record, err := parseManifest(payload, mediaType)
	if err != nil {
		return uuid.Nil, err
	}
	record.ID = uuid.New()
	record.CreatedAt = time.Now().UTC()

	// Manifest payloads are always stored immediately. They are small and
	// the registry handlers serve them straight from storage.
	if err := r.syncer.blobs.Put(ctx, pulpdocker.BlobKey(dgst), dgst, bytes.NewReader(payload)); err != nil {
		return uuid.Nil, fmt.Errorf("failed to store manifest %s: %w", dgst, err)
	}

	if record.IsList() {
		for _, member := range record.ListedManifests {
			memberPayload, memberType, memberDigest, err := r.client.Manifest(ctx, member.Digest.String())
			if err != nil {
				return uuid.Nil, fmt.Errorf("failed to fetch list member %s: %w", member.Digest, err)
			}
			if _, err := r.syncManifest(ctx, memberPayload, memberType, memberDigest); err != nil {
				return uuid.Nil, err
			}
		}
	} else {
		if record.ConfigBlob != "" {
			// Image configs are always downloaded: schema1 conversion
			// needs their bytes even under on_demand.
			if err := r.syncBlob(ctx, record.ConfigBlob, pulpdocker.MediaTypeImageConfig, true); err != nil {
				return uuid.Nil, err
			}
		}
		immediate := r.remote.Policy != pulpdocker.PolicyOnDemand
		for _, layer := range record.Blobs {
			if err := r.syncBlob(ctx, layer, pulpdocker.MediaTypeLayer, immediate); err != nil {
				return uuid.Nil, err
			}
		}
	}

	if err := r.syncer.store.CreateManifest(ctx, record); err != nil {
		return uuid.Nil, err
	}
	r.seen[dgst] = record.ID
	r.content[record.ID] = struct{}{}
	return record.ID, nil
}

// syncBlob ensures a blob record exists, downloading the bytes when asked
// and they are not already present.
func (r *run) syncBlob(ctx context.Context, dgst digest.Digest, mediaType string, download bool) error {
	blob, err := r.syncer.store.GetBlobByDigest(ctx, dgst)
	if err != nil {
		remoteID := r.remote.ID
		blob = &pulpdocker.Blob{
			ID:        uuid.New(),
			Digest:    dgst,
			MediaType: mediaType,
			RemoteID:  &remoteID,
			CreatedAt: time.Now().UTC(),
		}
		if err := r.syncer.store.CreateBlob(ctx, blob); err != nil {
			return err
		}
	}
	r.content[blob.ID] = struct{}{}

	if blob.Downloaded {
		return nil
	}

	if !download {
		if blob.Size == 0 {
			size, err := r.client.BlobSize(ctx, dgst)
			if err != nil {
				return fmt.Errorf("failed to stat blob %s: %w", dgst, err)
			}
			blob.Size = size
			if err := r.syncer.store.UpdateBlob(ctx, blob); err != nil {
				return err
			}
		}
		return nil
	}

	body, size, err := r.client.Blob(ctx, dgst)
	if err != nil {
		return fmt.Errorf("failed to fetch blob %s: %w", dgst, err)
	}
	defer body.Close()

	if err := r.syncer.blobs.Put(ctx, pulpdocker.BlobKey(dgst), dgst, body); err != nil {
		return fmt.Errorf("failed to store blob %s: %w", dgst, err)
	}

	blob.Size = size
	blob.Downloaded = true
	r.bytesDownloaded += size
	return r.syncer.store.UpdateBlob(ctx, blob)
}

// buildVersion merges the synced content into the repository's latest
// version. Tags synced this run retire any previous same-name tag units.
func (r *run) buildVersion(ctx context.Context, repositoryID uuid.UUID) (*pulpdocker.RepositoryVersion, bool, error) {
	latest, err := r.syncer.store.LatestVersion(ctx, repositoryID)
	if err != nil {
		return nil, false, err
	}

	syncedNames := make(map[string]struct{}, len(r.tags))
	for _, name := range r.tags {
		syncedNames[name] = struct{}{}
	}

	next := make(map[uuid.UUID]struct{}, len(latest.ContentIDs)+len(r.content))
	existing, err := r.syncer.store.FilterContent(ctx, latest.ContentIDs)
	if err != nil {
		return nil, false, err
	}
	for _, id := range latest.ContentIDs {
		next[id] = struct{}{}
	}
	for _, tag := range existing.Tags {
		if _, replaced := syncedNames[tag.Name]; replaced {
			if _, kept := r.content[tag.ID]; !kept {
				delete(next, tag.ID)
			}
		}
	}
	for id := range r.content {
		next[id] = struct{}{}
	}

	if sameContent(next, latest.ContentIDs) {
		return latest, false, nil
	}

	ids := make([]uuid.UUID, 0, len(next))
	for id := range next {
		ids = append(ids, id)
	}
	version := &pulpdocker.RepositoryVersion{
		ID:           uuid.New(),
		RepositoryID: repositoryID,
		Number:       latest.Number + 1,
		ContentIDs:   ids,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.syncer.store.CreateVersion(ctx, version); err != nil {
		return nil, false, err
	}
	return version, true, nil
}

func sameContent(next map[uuid.UUID]struct{}, current []uuid.UUID) bool {
	if len(next) != len(current) {
		return false
	}
	for _, id := range current {
		if _, ok := next[id]; !ok {
			return false
		}
	}
	return true
}

// parseManifest decodes any supported manifest payload into a metadata
// record. Schema 1 manifests only carry layer references.
func parseManifest(payload []byte, mediaType string) (*pulpdocker.Manifest, error) {
	switch mediaType {
	case pulpdocker.MediaTypeManifestV1, pulpdocker.MediaTypeManifestV1Signed:
		var m struct {
			FSLayers []struct {
				BlobSum digest.Digest `json:"blobSum"`
			} `json:"fsLayers"`
		}
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("invalid schema 1 manifest: %w", err)
		}
		record := &pulpdocker.Manifest{
			Digest:        digest.FromBytes(payload),
			SchemaVersion: 1,
			MediaType:     pulpdocker.MediaTypeManifestV1,
		}
		seen := make(map[digest.Digest]struct{}, len(m.FSLayers))
		for _, layer := range m.FSLayers {
			if _, ok := seen[layer.BlobSum]; ok {
				continue
			}
			seen[layer.BlobSum] = struct{}{}
			record.Blobs = append(record.Blobs, layer.BlobSum)
		}
		return record, nil
	default:
		parsed, err := schema2.Parse(payload, mediaType)
		if err != nil {
			return nil, err
		}
		return parsed.Record(), nil
	}
}

