package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opencontainers/go-digest"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Store implements pulpdocker.Store using PostgreSQL
type Store struct {
	db DBTX
}

// New creates a new PostgreSQL store
func New(db DBTX) pulpdocker.Store {
	return &Store{db: db}
}

// NewWithPool creates a new PostgreSQL store with a connection pool
func NewWithPool(pool *pgxpool.Pool) pulpdocker.Store {
	return &Store{db: pool}
}

// Schema is the DDL for the metadata tables. EnsureSchema applies it; the
// statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS repositories (
    id          UUID PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS repository_versions (
    id            UUID PRIMARY KEY,
    repository_id UUID NOT NULL REFERENCES repositories (id) ON DELETE CASCADE,
    number        BIGINT NOT NULL,
    content_ids   JSONB NOT NULL DEFAULT '[]',
    created_at    TIMESTAMPTZ NOT NULL,
    UNIQUE (repository_id, number)
);
CREATE TABLE IF NOT EXISTS blobs (
    id         UUID PRIMARY KEY,
    digest     TEXT NOT NULL UNIQUE,
    media_type TEXT NOT NULL DEFAULT '',
    size       BIGINT NOT NULL DEFAULT 0,
    downloaded BOOLEAN NOT NULL DEFAULT FALSE,
    remote_id  UUID,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS manifests (
    id               UUID PRIMARY KEY,
    digest           TEXT NOT NULL UNIQUE,
    schema_version   INT NOT NULL,
    media_type       TEXT NOT NULL,
    config_blob      TEXT NOT NULL DEFAULT '',
    blobs            JSONB NOT NULL DEFAULT '[]',
    listed_manifests JSONB NOT NULL DEFAULT '[]',
    created_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tags (
    id              UUID PRIMARY KEY,
    name            TEXT NOT NULL,
    tagged_manifest TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    UNIQUE (name, tagged_manifest)
);
CREATE TABLE IF NOT EXISTS distributions (
    id            UUID PRIMARY KEY,
    name          TEXT NOT NULL,
    base_path     TEXT NOT NULL UNIQUE,
    repository_id UUID,
    version       BIGINT,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS remotes (
    id             UUID PRIMARY KEY,
    name           TEXT NOT NULL,
    url            TEXT NOT NULL,
    upstream_name  TEXT NOT NULL,
    whitelist_tags TEXT NOT NULL DEFAULT '',
    policy         TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
    id                UUID PRIMARY KEY,
    name              TEXT NOT NULL,
    state             TEXT NOT NULL,
    reservations      JSONB NOT NULL DEFAULT '[]',
    error             TEXT NOT NULL DEFAULT '',
    created_resources JSONB NOT NULL DEFAULT '[]',
    created_at        TIMESTAMPTZ NOT NULL,
    started_at        TIMESTAMPTZ,
    finished_at       TIMESTAMPTZ
);
`

// EnsureSchema creates the metadata tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db DBTX) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

func (s *Store) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("duplicate entry in %s: %s", operation, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("referenced record not found in %s", operation)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - run EnsureSchema first")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

func marshalJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("[]")
	}
	return b
}

// Repository operations

func (s *Store) CreateRepository(ctx context.Context, repo *pulpdocker.Repository) error {
	query := `
		INSERT INTO repositories (id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.Exec(ctx, query,
		repo.ID, repo.Name, repo.Description, repo.CreatedAt, repo.UpdatedAt)
	if err != nil {
		return s.handlePostgresError("create repository", err)
	}
	return nil
}

func (s *Store) GetRepository(ctx context.Context, id uuid.UUID) (*pulpdocker.Repository, error) {
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM repositories WHERE id = $1`

	return s.scanRepository(s.db.QueryRow(ctx, query, id))
}

func (s *Store) GetRepositoryByName(ctx context.Context, name string) (*pulpdocker.Repository, error) {
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM repositories WHERE name = $1`

	return s.scanRepository(s.db.QueryRow(ctx, query, name))
}

func (s *Store) scanRepository(row pgx.Row) (*pulpdocker.Repository, error) {
	var repo pulpdocker.Repository
	err := row.Scan(&repo.ID, &repo.Name, &repo.Description, &repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pulpdocker.ErrRepositoryNotFound
		}
		return nil, err
	}
	return &repo, nil
}

func (s *Store) ListRepositories(ctx context.Context) ([]*pulpdocker.Repository, error) {
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM repositories ORDER BY created_at`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*pulpdocker.Repository
	for rows.Next() {
		var repo pulpdocker.Repository
		if err := rows.Scan(&repo.ID, &repo.Name, &repo.Description, &repo.CreatedAt, &repo.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &repo)
	}
	return result, rows.Err()
}

func (s *Store) DeleteRepository(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	if err != nil {
		return s.handlePostgresError("delete repository", err)
	}
	if tag.RowsAffected() == 0 {
		return pulpdocker.ErrRepositoryNotFound
	}
	return nil
}

// Repository version operations

func (s *Store) CreateVersion(ctx context.Context, version *pulpdocker.RepositoryVersion) error {
	query := `
		INSERT INTO repository_versions (id, repository_id, number, content_ids, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	ids := version.ContentIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	_, err := s.db.Exec(ctx, query,
		version.ID, version.RepositoryID, version.Number, marshalJSON(ids), version.CreatedAt)
	if err != nil {
		return s.handlePostgresError("create version", err)
	}
	return nil
}

func (s *Store) GetVersion(ctx context.Context, repositoryID uuid.UUID, number int64) (*pulpdocker.RepositoryVersion, error) {
	query := `
		SELECT id, repository_id, number, content_ids, created_at
		FROM repository_versions WHERE repository_id = $1 AND number = $2`

	return s.scanVersion(s.db.QueryRow(ctx, query, repositoryID, number))
}

func (s *Store) LatestVersion(ctx context.Context, repositoryID uuid.UUID) (*pulpdocker.RepositoryVersion, error) {
	if _, err := s.GetRepository(ctx, repositoryID); err != nil {
		return nil, err
	}
	query := `
		SELECT id, repository_id, number, content_ids, created_at
		FROM repository_versions WHERE repository_id = $1
		ORDER BY number DESC LIMIT 1`

	return s.scanVersion(s.db.QueryRow(ctx, query, repositoryID))
}

func (s *Store) scanVersion(row pgx.Row) (*pulpdocker.RepositoryVersion, error) {
	var version pulpdocker.RepositoryVersion
	var contentIDs []byte
	err := row.Scan(&version.ID, &version.RepositoryID, &version.Number, &contentIDs, &version.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pulpdocker.ErrVersionNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(contentIDs, &version.ContentIDs); err != nil {
		return nil, fmt.Errorf("decode content ids: %w", err)
	}
	return &version, nil
}

func (s *Store) ListVersions(ctx context.Context, repositoryID uuid.UUID) ([]*pulpdocker.RepositoryVersion, error) {
	if _, err := s.GetRepository(ctx, repositoryID); err != nil {
		return nil, err
	}
	query := `
		SELECT id, repository_id, number, content_ids, created_at
		FROM repository_versions WHERE repository_id = $1 ORDER BY number`

	rows, err := s.db.Query(ctx, query, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*pulpdocker.RepositoryVersion
	for rows.Next() {
		var version pulpdocker.RepositoryVersion
		var contentIDs []byte
		if err := rows.Scan(&version.ID, &version.RepositoryID, &version.Number, &contentIDs, &version.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(contentIDs, &version.ContentIDs); err != nil {
			return nil, fmt.Errorf("decode content ids: %w", err)
		}
		result = append(result, &version)
	}
	return result, rows.Err()
}

// Blob operations

func (s *Store) CreateBlob(ctx context.Context, blob *pulpdocker.Blob) error {
	// Content-addressed units are shared: an insert hitting an existing
	// digest adopts the stored record instead of failing.
	query := `
		INSERT INTO blobs (id, digest, media_type, size, downloaded, remote_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (digest) DO NOTHING`

	tag, err := s.db.Exec(ctx, query,
		blob.ID, blob.Digest.String(), blob.MediaType, blob.Size, blob.Downloaded, blob.RemoteID, blob.CreatedAt)
	if err != nil {
		return s.handlePostgresError("create blob", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetBlobByDigest(ctx, blob.Digest)
		if err != nil {
			return err
		}
		*blob = *existing
	}
	return nil
}

func (s *Store) UpdateBlob(ctx context.Context, blob *pulpdocker.Blob) error {
	query := `
		UPDATE blobs SET media_type = $2, size = $3, downloaded = $4, remote_id = $5
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		blob.ID, blob.MediaType, blob.Size, blob.Downloaded, blob.RemoteID)
	if err != nil {
		return s.handlePostgresError("update blob", err)
	}
	if tag.RowsAffected() == 0 {
		return pulpdocker.ErrBlobNotFound
	}
	return nil
}

const blobColumns = `id, digest, media_type, size, downloaded, remote_id, created_at`

func (s *Store) GetBlob(ctx context.Context, id uuid.UUID) (*pulpdocker.Blob, error) {
	return s.scanBlob(s.db.QueryRow(ctx, `SELECT `+blobColumns+` FROM blobs WHERE id = $1`, id))
}

func (s *Store) GetBlobByDigest(ctx context.Context, dgst digest.Digest) (*pulpdocker.Blob, error) {
	return s.scanBlob(s.db.QueryRow(ctx, `SELECT `+blobColumns+` FROM blobs WHERE digest = $1`, dgst.String()))
}

func (s *Store) scanBlob(row pgx.Row) (*pulpdocker.Blob, error) {
	var blob pulpdocker.Blob
	var dgst string
	err := row.Scan(&blob.ID, &dgst, &blob.MediaType, &blob.Size, &blob.Downloaded, &blob.RemoteID, &blob.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pulpdocker.ErrBlobNotFound
		}
		return nil, err
	}
	blob.Digest = digest.Digest(dgst)
	return &blob, nil
}

func (s *Store) ListBlobs(ctx context.Context) ([]*pulpdocker.Blob, error) {
	rows, err := s.db.Query(ctx, `SELECT `+blobColumns+` FROM blobs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*pulpdocker.Blob
	for rows.Next() {
		var blob pulpdocker.Blob
		var dgst string
		if err := rows.Scan(&blob.ID, &dgst, &blob.MediaType, &blob.Size, &blob.Downloaded, &blob.RemoteID, &blob.CreatedAt); err != nil {
			return nil, err
		}
		blob.Digest = digest.Digest(dgst)
		result = append(result, &blob)
	}
	return result, rows.Err()
}

// Manifest operations

func (s *Store) CreateManifest(ctx context.Context, manifest *pulpdocker.Manifest) error {
	query := `
		INSERT INTO manifests (id, digest, schema_version, media_type, config_blob, blobs, listed_manifests, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (digest) DO NOTHING`

	tag, err := s.db.Exec(ctx, query,
		manifest.ID, manifest.Digest.String(), manifest.SchemaVersion, manifest.MediaType,
		manifest.ConfigBlob.String(), marshalJSON(manifest.Blobs), marshalJSON(manifest.ListedManifests),
		manifest.CreatedAt)
	if err != nil {
		return s.handlePostgresError("create manifest", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetManifestByDigest(ctx, manifest.Digest)
		if err != nil {
			return err
		}
		*manifest = *existing
	}
	return nil
}

const manifestColumns = `id, digest, schema_version, media_type, config_blob, blobs, listed_manifests, created_at`

func (s *Store) GetManifest(ctx context.Context, id uuid.UUID) (*pulpdocker.Manifest, error) {
	return s.scanManifest(s.db.QueryRow(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE id = $1`, id))
}

func (s *Store) GetManifestByDigest(ctx context.Context, dgst digest.Digest) (*pulpdocker.Manifest, error) {
	return s.scanManifest(s.db.QueryRow(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE digest = $1`, dgst.String()))
}

func (s *Store) scanManifest(row pgx.Row) (*pulpdocker.Manifest, error) {
	var manifest pulpdocker.Manifest
	var dgst, configBlob string
	var blobs, listed []byte
	err := row.Scan(&manifest.ID, &dgst, &manifest.SchemaVersion, &manifest.MediaType,
		&configBlob, &blobs, &listed, &manifest.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pulpdocker.ErrManifestNotFound
		}
		return nil, err
	}
	manifest.Digest = digest.Digest(dgst)
	manifest.ConfigBlob = digest.Digest(configBlob)
	if err := json.Unmarshal(blobs, &manifest.Blobs); err != nil {
		return nil, fmt.Errorf("decode manifest blobs: %w", err)
	}
	if err := json.Unmarshal(listed, &manifest.ListedManifests); err != nil {
		return nil, fmt.Errorf("decode listed manifests: %w", err)
	}
	return &manifest, nil
}

func (s *Store) ListManifests(ctx context.Context) ([]*pulpdocker.Manifest, error) {
	rows, err := s.db.Query(ctx, `SELECT `+manifestColumns+` FROM manifests ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*pulpdocker.Manifest
	for rows.Next() {
		m, err := scanManifestRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func scanManifestRow(rows pgx.Rows) (*pulpdocker.Manifest, error) {
	var manifest pulpdocker.Manifest
	var dgst, configBlob string
	var blobs, listed []byte
	if err := rows.Scan(&manifest.ID, &dgst, &manifest.SchemaVersion, &manifest.MediaType,
		&configBlob, &blobs, &listed, &manifest.CreatedAt); err != nil {
		return nil, err
	}
	manifest.Digest = digest.Digest(dgst)
	manifest.ConfigBlob = digest.Digest(configBlob)
	if err := json.Unmarshal(blobs, &manifest.Blobs); err != nil {
		return nil, fmt.Errorf("decode manifest blobs: %w", err)
	}
	if err := json.Unmarshal(listed, &manifest.ListedManifests); err != nil {
		return nil, fmt.Errorf("decode listed manifests: %w", err)
	}
	return &manifest, nil
}

// Tag operations

func (s *Store) GetOrCreateTag(ctx context.Context, t *pulpdocker.Tag) (*pulpdocker.Tag, error) {
	query := `
		INSERT INTO tags (id, name, tagged_manifest, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, tagged_manifest) DO NOTHING`

	cmd, err := s.db.Exec(ctx, query, t.ID, t.Name, t.TaggedManifest.String(), t.CreatedAt)
	if err != nil {
		return nil, s.handlePostgresError("create tag", err)
	}
	if cmd.RowsAffected() > 0 {
		tagCopy := *t
		return &tagCopy, nil
	}
	return s.scanTag(s.db.QueryRow(ctx,
		`SELECT id, name, tagged_manifest, created_at FROM tags WHERE name = $1 AND tagged_manifest = $2`,
		t.Name, t.TaggedManifest.String()))
}

func (s *Store) GetTag(ctx context.Context, id uuid.UUID) (*pulpdocker.Tag, error) {
	return s.scanTag(s.db.QueryRow(ctx,
		`SELECT id, name, tagged_manifest, created_at FROM tags WHERE id = $1`, id))
}

func (s *Store) scanTag(row pgx.Row) (*pulpdocker.Tag, error) {
	var t pulpdocker.Tag
	var dgst string
	err := row.Scan(&t.ID, &t.Name, &dgst, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pulpdocker.ErrTagNotFound
		}
		return nil, err
	}
	t.TaggedManifest = digest.Digest(dgst)
	return &t, nil
}

func (s *Store) FindTags(ctx context.Context, name string) ([]*pulpdocker.Tag, error) {
	return s.queryTags(ctx, `SELECT id, name, tagged_manifest, created_at FROM tags WHERE name = $1`, name)
}

func (s *Store) ListTags(ctx context.Context) ([]*pulpdocker.Tag, error) {
	return s.queryTags(ctx, `SELECT id, name, tagged_manifest, created_at FROM tags ORDER BY name`)
}

func (s *Store) queryTags(ctx context.Context, query string, args ...interface{}) ([]*pulpdocker.Tag, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*pulpdocker.Tag
	for rows.Next() {
		var t pulpdocker.Tag
		var dgst string
		if err := rows.Scan(&t.ID, &t.Name, &dgst, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.TaggedManifest = digest.Digest(dgst)
		result = append(result, &t)
	}
	return result, rows.Err()
}

// FilterContent resolves content unit ids into typed records with one query
// per unit table.
func (s *Store) FilterContent(ctx context.Context, ids []uuid.UUID) (*pulpdocker.ContentSet, error) {
	set := &pulpdocker.ContentSet{}
	if len(ids) == 0 {
		return set, nil
	}
	placeholders, args := inClause(ids)

	tags, err := s.queryTags(ctx,
		`SELECT id, name, tagged_manifest, created_at FROM tags WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	set.Tags = tags

	rows, err := s.db.Query(ctx,
		`SELECT `+manifestColumns+` FROM manifests WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanManifestRow(rows)
		if err != nil {
			return nil, err
		}
		set.Manifests = append(set.Manifests, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	blobRows, err := s.db.Query(ctx,
		`SELECT `+blobColumns+` FROM blobs WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer blobRows.Close()
	for blobRows.Next() {
		var blob pulpdocker.Blob
		var dgst string
		if err := blobRows.Scan(&blob.ID, &dgst, &blob.MediaType, &blob.Size, &blob.Downloaded, &blob.RemoteID, &blob.CreatedAt); err != nil {
			return nil, err
		}
		blob.Digest = digest.Digest(dgst)
		set.Blobs = append(set.Blobs, &blob)
	}
	return set, blobRows.Err()
}

func inClause(ids []uuid.UUID) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

// Distribution operations

const distributionColumns = `id, name, base_path, repository_id, version, created_at, updated_at`

func (s *Store) CreateDistribution(ctx context.Context, dist *pulpdocker.Distribution) error {
	query := `
		INSERT INTO distributions (id, name, base_path, repository_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.Exec(ctx, query,
		dist.ID, dist.Name, dist.BasePath, dist.RepositoryID, dist.Version, dist.CreatedAt, dist.UpdatedAt)
	if err != nil {
		return s.handlePostgresError("create distribution", err)
	}
	return nil
}

func (s *Store) GetDistribution(ctx context.Context, id uuid.UUID) (*pulpdocker.Distribution, error) {
	return s.scanDistribution(s.db.QueryRow(ctx,
		`SELECT `+distributionColumns+` FROM distributions WHERE id = $1`, id))
}

func (s *Store) GetDistributionByBasePath(ctx context.Context, basePath string) (*pulpdocker.Distribution, error) {
	return s.scanDistribution(s.db.QueryRow(ctx,
		`SELECT `+distributionColumns+` FROM distributions WHERE base_path = $1`, basePath))
}

func (s *Store) scanDistribution(row pgx.Row) (*pulpdocker.Distribution, error) {
	var dist pulpdocker.Distribution
	err := row.Scan(&dist.ID, &dist.Name, &dist.BasePath, &dist.RepositoryID, &dist.Version, &dist.CreatedAt, &dist.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pulpdocker.ErrDistributionNotFound
		}
		return nil, err
	}
	return &dist, nil
}

func (s *Store) ListDistributions(ctx context.Context) ([]*pulpdocker.Distribution, error) {
	rows, err := s.db.Query(ctx, `SELECT `+distributionColumns+` FROM distributions ORDER BY base_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*pulpdocker.Distribution
	for rows.Next() {
		var dist pulpdocker.Distribution
		if err := rows.Scan(&dist.ID, &dist.Name, &dist.BasePath, &dist.RepositoryID, &dist.Version, &dist.CreatedAt, &dist.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &dist)
	}
	return result, rows.Err()
}

func (s *Store) UpdateDistribution(ctx context.Context, dist *pulpdocker.Distribution) error {
	query := `
		UPDATE distributions SET name = $2, base_path = $3, repository_id = $4, version = $5, updated_at = $6
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		dist.ID, dist.Name, dist.BasePath, dist.RepositoryID, dist.Version, dist.UpdatedAt)
	if err != nil {
		return s.handlePostgresError("update distribution", err)
	}
	if tag.RowsAffected() == 0 {
		return pulpdocker.ErrDistributionNotFound
	}
	return nil
}

func (s *Store) DeleteDistribution(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM distributions WHERE id = $1`, id)
	if err != nil {
		return s.handlePostgresError("delete distribution", err)
	}
	if tag.RowsAffected() == 0 {
		return pulpdocker.ErrDistributionNotFound
	}
	return nil
}

// Remote operations

const remoteColumns = `id, name, url, upstream_name, whitelist_tags, policy, created_at, updated_at`

func (s *Store) CreateRemote(ctx context.Context, remote *pulpdocker.Remote) error {
	query := `
		INSERT INTO remotes (id, name, url, upstream_name, whitelist_tags, policy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.Exec(ctx, query,
		remote.ID, remote.Name, remote.URL, remote.UpstreamName,
		remote.WhitelistTags, string(remote.Policy), remote.CreatedAt, remote.UpdatedAt)
	if err != nil {
		return s.handlePostgresError("create remote", err)
	}
	return nil
}

func (s *Store) GetRemote(ctx context.Context, id uuid.UUID) (*pulpdocker.Remote, error) {
	var remote pulpdocker.Remote
	var policy string
	err := s.db.QueryRow(ctx, `SELECT `+remoteColumns+` FROM remotes WHERE id = $1`, id).Scan(
		&remote.ID, &remote.Name, &remote.URL, &remote.UpstreamName,
		&remote.WhitelistTags, &policy, &remote.CreatedAt, &remote.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pulpdocker.ErrRemoteNotFound
		}
		return nil, err
	}
	remote.Policy = pulpdocker.DownloadPolicy(policy)
	return &remote, nil
}

func (s *Store) ListRemotes(ctx context.Context) ([]*pulpdocker.Remote, error) {
	rows, err := s.db.Query(ctx, `SELECT `+remoteColumns+` FROM remotes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*pulpdocker.Remote
	for rows.Next() {
		var remote pulpdocker.Remote
		var policy string
		if err := rows.Scan(&remote.ID, &remote.Name, &remote.URL, &remote.UpstreamName,
			&remote.WhitelistTags, &policy, &remote.CreatedAt, &remote.UpdatedAt); err != nil {
			return nil, err
		}
		remote.Policy = pulpdocker.DownloadPolicy(policy)
		result = append(result, &remote)
	}
	return result, rows.Err()
}

func (s *Store) UpdateRemote(ctx context.Context, remote *pulpdocker.Remote) error {
	query := `
		UPDATE remotes SET name = $2, url = $3, upstream_name = $4, whitelist_tags = $5, policy = $6, updated_at = $7
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		remote.ID, remote.Name, remote.URL, remote.UpstreamName,
		remote.WhitelistTags, string(remote.Policy), remote.UpdatedAt)
	if err != nil {
		return s.handlePostgresError("update remote", err)
	}
	if tag.RowsAffected() == 0 {
		return pulpdocker.ErrRemoteNotFound
	}
	return nil
}

func (s *Store) DeleteRemote(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM remotes WHERE id = $1`, id)
	if err != nil {
		return s.handlePostgresError("delete remote", err)
	}
	if tag.RowsAffected() == 0 {
		return pulpdocker.ErrRemoteNotFound
	}
	return nil
}

// Task operations

const taskColumns = `id, name, state, reservations, error, created_resources, created_at, started_at, finished_at`

func (s *Store) CreateTask(ctx context.Context, task *pulpdocker.Task) error {
	query := `
		INSERT INTO tasks (id, name, state, reservations, error, created_resources, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.Exec(ctx, query,
		task.ID, task.Name, string(task.State), marshalJSON(task.Reservations),
		task.Error, marshalJSON(task.CreatedResources), task.CreatedAt, task.StartedAt, task.FinishedAt)
	if err != nil {
		return s.handlePostgresError("create task", err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *pulpdocker.Task) error {
	query := `
		UPDATE tasks SET state = $2, reservations = $3, error = $4, created_resources = $5, started_at = $6, finished_at = $7
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		task.ID, string(task.State), marshalJSON(task.Reservations),
		task.Error, marshalJSON(task.CreatedResources), task.StartedAt, task.FinishedAt)
	if err != nil {
		return s.handlePostgresError("update task", err)
	}
	if tag.RowsAffected() == 0 {
		return pulpdocker.ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*pulpdocker.Task, error) {
	return s.scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (s *Store) scanTask(row pgx.Row) (*pulpdocker.Task, error) {
	var task pulpdocker.Task
	var state string
	var reservations, created []byte
	err := row.Scan(&task.ID, &task.Name, &state, &reservations, &task.Error,
		&created, &task.CreatedAt, &task.StartedAt, &task.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pulpdocker.ErrTaskNotFound
		}
		return nil, err
	}
	task.State = pulpdocker.TaskState(state)
	if err := json.Unmarshal(reservations, &task.Reservations); err != nil {
		return nil, fmt.Errorf("decode reservations: %w", err)
	}
	if err := json.Unmarshal(created, &task.CreatedResources); err != nil {
		return nil, fmt.Errorf("decode created resources: %w", err)
	}
	return &task, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]*pulpdocker.Task, error) {
	rows, err := s.db.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*pulpdocker.Task
	for rows.Next() {
		var task pulpdocker.Task
		var state string
		var reservations, created []byte
		if err := rows.Scan(&task.ID, &task.Name, &state, &reservations, &task.Error,
			&created, &task.CreatedAt, &task.StartedAt, &task.FinishedAt); err != nil {
			return nil, err
		}
		task.State = pulpdocker.TaskState(state)
		if err := json.Unmarshal(reservations, &task.Reservations); err != nil {
			return nil, fmt.Errorf("decode reservations: %w", err)
		}
		if err := json.Unmarshal(created, &task.CreatedResources); err != nil {
			return nil, fmt.Errorf("decode created resources: %w", err)
		}
		result = append(result, &task)
	}
	return result, rows.Err()
}
