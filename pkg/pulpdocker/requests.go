package pulpdocker

import (
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// Request DTOs

// CreateRepositoryRequest contains parameters for creating a repository
type CreateRepositoryRequest struct {
	Name        string
	Description string
}

// TagImageRequest contains parameters for binding a tag name to a manifest.
//
// Either RepositoryID or RepositoryVersionID must be set; when only the
// version is given, the repository is derived from it. The manifest digest
// must identify a manifest present in the repository's latest version.
type TagImageRequest struct {
	RepositoryID        *uuid.UUID
	RepositoryVersionID *uuid.UUID
	Tag                 string
	Digest              digest.Digest
}

// UntagImageRequest contains parameters for removing a tag name from a
// repository's latest version.
type UntagImageRequest struct {
	RepositoryID        *uuid.UUID
	RepositoryVersionID *uuid.UUID
	Tag                 string
}

// CreateDistributionRequest contains parameters for creating a distribution
type CreateDistributionRequest struct {
	Name         string
	BasePath     string
	RepositoryID *uuid.UUID
	Version      *int64
}

// UpdateDistributionRequest contains parameters for updating a distribution.
// Nil fields keep their current value; Partial distinguishes PATCH from PUT
// semantics for the zeroable fields.
type UpdateDistributionRequest struct {
	Name         *string
	BasePath     *string
	RepositoryID *uuid.UUID
	Version      *int64
	Partial      bool
}

// CreateRemoteRequest contains parameters for creating a remote
type CreateRemoteRequest struct {
	Name          string
	URL           string
	UpstreamName  string
	WhitelistTags string
	Policy        DownloadPolicy
}

// UpdateRemoteRequest contains parameters for updating a remote
type UpdateRemoteRequest struct {
	Name          *string
	URL           *string
	UpstreamName  *string
	WhitelistTags *string
	Policy        *DownloadPolicy
}

// ModifyRepositoryRequest contains parameters for building a new repository
// version by adding and removing content units.
type ModifyRepositoryRequest struct {
	RepositoryID uuid.UUID
	Add          []uuid.UUID
	Remove       []uuid.UUID
}
