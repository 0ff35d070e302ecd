package pulpdocker

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrRepositoryNotFound indicates a repository was not found
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrVersionNotFound indicates a repository version was not found
	ErrVersionNotFound = errors.New("repository version not found")

	// ErrManifestNotFound indicates a manifest was not found
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrTagNotFound indicates a tag was not found
	ErrTagNotFound = errors.New("tag not found")

	// ErrBlobNotFound indicates a blob was not found
	ErrBlobNotFound = errors.New("blob not found")

	// ErrDistributionNotFound indicates a distribution was not found
	ErrDistributionNotFound = errors.New("distribution not found")

	// ErrRemoteNotFound indicates a remote was not found
	ErrRemoteNotFound = errors.New("remote not found")

	// ErrTaskNotFound indicates a task was not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrStorageBackendNotFound indicates a storage backend was not found
	ErrStorageBackendNotFound = errors.New("storage backend not found")

	// ErrBasePathTaken indicates another distribution already serves the base path
	ErrBasePathTaken = errors.New("base path already used by another distribution")

	// ErrManifestNotInRepository indicates the manifest is not part of the
	// repository's version being operated on
	ErrManifestNotInRepository = errors.New("manifest not present in repository")

	// ErrDigestMismatch indicates downloaded or uploaded bytes did not match
	// the expected digest
	ErrDigestMismatch = errors.New("digest verification failed")

	// ErrBlobNotDownloaded indicates blob bytes are not present locally and
	// no remote is available to fetch them from
	ErrBlobNotDownloaded = errors.New("blob bytes not downloaded")

	// ErrNotConvertible indicates a manifest cannot be converted to the
	// media type the client accepts
	ErrNotConvertible = errors.New("manifest not convertible to an accepted media type")
)

// RepositoryError represents an error related to repository operations
type RepositoryError struct {
	RepositoryID uuid.UUID
	Op           string
	Err          error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository operation %s failed for repository %s: %v", e.Op, e.RepositoryID, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// DistributionError represents an error related to distribution operations
type DistributionError struct {
	DistributionID uuid.UUID
	Op             string
	Err            error
}

func (e *DistributionError) Error() string {
	return fmt.Sprintf("distribution operation %s failed for distribution %s: %v", e.Op, e.DistributionID, e.Err)
}

func (e *DistributionError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to blob storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ValidationError carries a user-facing message for a rejected request. The
// HTTP layer maps it to a 400 response.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
