// Package pulpdocker implements a content-management service for container
// images. Image content (blobs, manifests, tags) is tracked in immutable
// repository versions, stored in pluggable blob storage, and published under
// distribution base paths where the registry handlers serve it to container
// engines.
//
// The package follows a small-core design:
//
//   - Service: management operations (repositories, versions, tag/untag,
//     distributions, remotes)
//   - Store: metadata persistence (see store/memory and store/postgres)
//   - BlobStore: content-addressed byte storage (see storage/fs, storage/s3
//     and storage/memory)
//
// Asynchronous operations (tag, untag, sync, distribution writes) are
// dispatched through the tasks package by the HTTP layer.
package pulpdocker
