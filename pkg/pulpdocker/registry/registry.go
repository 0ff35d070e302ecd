// Package registry serves the read side of the Docker Registry v2 API on top
// of distributions: version checks, tag listings, manifests and blobs.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/docker/libtrust"
	"github.com/go-chi/chi/v5"
	"github.com/opencontainers/go-digest"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/schema1"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/sync"
)

const apiVersion = "registry/2.0"

// Option configures a Handler
type Option func(*Handler)

// WithLogger sets the handler's logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithSigningKey sets the key used to sign converted schema 1 manifests
func WithSigningKey(key libtrust.PrivateKey) Option {
	return func(h *Handler) {
		h.key = key
	}
}

// WithObserver registers a callback invoked once per served request
func WithObserver(fn func(handler string, status int)) Option {
	return func(h *Handler) {
		h.observe = fn
	}
}

// Handler implements the registry read API. Base paths may contain slashes,
// so everything under /v2/ is routed by suffix instead of fixed patterns.
type Handler struct {
	svc     pulpdocker.Service
	store   pulpdocker.Store
	logger  *slog.Logger
	key     libtrust.PrivateKey
	observe func(handler string, status int)
}

// New creates a registry handler. The store is needed to record lazily
// downloaded blobs.
func New(svc pulpdocker.Service, store pulpdocker.Store, options ...Option) (*Handler, error) {
	h := &Handler{
		svc:    svc,
		store:  store,
		logger: slog.Default(),
	}
	for _, option := range options {
		option(h)
	}
	if h.key == nil {
		key, err := schema1.NewSigningKey()
		if err != nil {
			return nil, err
		}
		h.key = key
	}
	return h, nil
}

// Routes returns the registry endpoints, meant to be mounted at /v2
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.serveRoot)
	r.Get("/*", h.route)
	r.Head("/*", h.route)
	return r
}

// serveRoot answers the docker client's API version probe
func (h *Handler) serveRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", apiVersion)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{}"))
	h.record("root", http.StatusOK)
}

// route splits /v2/<path>/{tags/list | manifests/<ref> | blobs/<digest>}
// where <path> is a distribution base path that may itself contain slashes.
func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(chi.URLParam(r, "*"), "/")

	if path, ok := strings.CutSuffix(rest, "/tags/list"); ok {
		h.tagsList(w, r, path)
		return
	}
	if path, ref, ok := cutLast(rest, "/manifests/"); ok {
		h.manifest(w, r, path, ref)
		return
	}
	if path, ref, ok := cutLast(rest, "/blobs/"); ok {
		h.blob(w, r, path, ref)
		return
	}

	writeError(w, http.StatusNotFound, CodeUnsupported, "unknown registry endpoint", rest)
	h.record("unknown", http.StatusNotFound)
}

// cutLast splits s around the last occurrence of sep
func cutLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}

// resolve matches the base path and loads the content of the version it
// serves. An empty content set with a nil error means the distribution
// exists but currently serves nothing.
func (h *Handler) resolve(r *http.Request, path string) (*pulpdocker.ContentSet, error) {
	_, version, err := h.svc.ResolveBasePath(r.Context(), path)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return &pulpdocker.ContentSet{}, nil
	}
	return h.svc.VersionContent(r.Context(), version)
}

func (h *Handler) tagsList(w http.ResponseWriter, r *http.Request, path string) {
	content, err := h.resolve(r, path)
	if err != nil {
		h.resolveError(w, "tags_list", path, err)
		return
	}

	names := content.TagNames()
	if names == nil {
		names = []string{}
	}
	w.Header().Set("Docker-Distribution-API-Version", apiVersion)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"name": path,
		"tags": names,
	})
	h.record("tags_list", http.StatusOK)
}

func (h *Handler) manifest(w http.ResponseWriter, r *http.Request, path, ref string) {
	content, err := h.resolve(r, path)
	if err != nil {
		h.resolveError(w, "manifest", path, err)
		return
	}

	// Digest references are served as-is, no negotiation.
	if dgst, err := digest.Parse(ref); err == nil {
		m := content.FindManifest(dgst)
		if m == nil {
			h.manifestUnknown(w, ref)
			return
		}
		h.serveManifest(w, r, m, m.Digest)
		return
	}

	tag := content.FindTag(ref)
	if tag == nil {
		h.manifestUnknown(w, ref)
		return
	}
	m := content.FindManifest(tag.TaggedManifest)
	if m == nil {
		h.manifestUnknown(w, ref)
		return
	}

	accepted := pulpdocker.AcceptedMediaTypes(r)

	// Schema 1 content is always served signed.
	if m.SchemaVersion == 1 {
		h.serveManifest(w, r, m, m.Digest)
		return
	}
	if contains(accepted, m.MediaType) {
		h.serveManifest(w, r, m, m.Digest)
		return
	}

	h.convertAndServe(w, r, content, m, path, ref, accepted)
}

// convertAndServe falls back to schema 1 for clients that do not accept the
// stored media type. Manifest lists degrade to their amd64/linux member
// first; when even that member's type is not accepted, it is converted.
func (h *Handler) convertAndServe(w http.ResponseWriter, r *http.Request, content *pulpdocker.ContentSet, m *pulpdocker.Manifest, path, tag string, accepted []string) {
	target := m
	if m.IsList() {
		member := legacyMember(content, m)
		if member == nil {
			h.manifestUnknown(w, tag)
			return
		}
		if contains(accepted, member.MediaType) || member.SchemaVersion == 1 {
			h.serveManifest(w, r, member, member.Digest)
			return
		}
		target = member
	}

	if target.MediaType != pulpdocker.MediaTypeManifestV2 &&
		target.MediaType != pulpdocker.MediaTypeOCIManifest {
		h.manifestUnknown(w, tag)
		return
	}

	signed, err := h.convert(r, target, path, tag)
	if err != nil {
		h.logger.Error("schema 1 conversion failed", "path", path, "tag", tag, "error", err)
		h.manifestUnknown(w, tag)
		return
	}

	w.Header().Set("Docker-Distribution-API-Version", apiVersion)
	w.Header().Set("Content-Type", pulpdocker.MediaTypeManifestV1Signed)
	w.Header().Set("Docker-Content-Digest", target.Digest.String())
	w.Header().Set("Content-Length", strconv.Itoa(len(signed)))
	if r.Method != http.MethodHead {
		_, _ = w.Write(signed)
	}
	h.record("manifest_converted", http.StatusOK)
}

// legacyMember picks the amd64/linux member of a manifest list
func legacyMember(content *pulpdocker.ContentSet, list *pulpdocker.Manifest) *pulpdocker.Manifest {
	for _, ref := range list.ListedManifests {
		if ref.Architecture == "amd64" && ref.OS == "linux" {
			return content.FindManifest(ref.Digest)
		}
	}
	return nil
}

// convert builds and signs a schema 1 rendition of a schema 2 manifest
func (h *Handler) convert(r *http.Request, m *pulpdocker.Manifest, path, tag string) ([]byte, error) {
	backend, err := h.svc.DefaultBackend()
	if err != nil {
		return nil, err
	}

	manifestPayload, err := readObject(r, backend, pulpdocker.BlobKey(m.Digest))
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest payload: %w", err)
	}
	configPayload, err := readObject(r, backend, pulpdocker.BlobKey(m.ConfigBlob))
	if err != nil {
		return nil, fmt.Errorf("failed to load image config: %w", err)
	}

	converted, err := schema1.Convert(manifestPayload, configPayload, path, tag)
	if err != nil {
		return nil, err
	}
	return schema1.Sign(converted, h.key)
}

func readObject(r *http.Request, backend pulpdocker.BlobStore, key string) ([]byte, error) {
	rc, err := backend.Get(r.Context(), key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// serveManifest streams stored manifest bytes with the digest header set
func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, m *pulpdocker.Manifest, dgst digest.Digest) {
	backend, err := h.svc.DefaultBackend()
	if err != nil {
		h.internalError(w, "manifest", err)
		return
	}
	payload, err := readObject(r, backend, pulpdocker.BlobKey(m.Digest))
	if err != nil {
		h.internalError(w, "manifest", err)
		return
	}

	contentType := m.MediaType
	if m.SchemaVersion == 1 {
		contentType = pulpdocker.MediaTypeManifestV1Signed
	}

	w.Header().Set("Docker-Distribution-API-Version", apiVersion)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	if r.Method != http.MethodHead {
		_, _ = w.Write(payload)
	}
	h.record("manifest", http.StatusOK)
}

func (h *Handler) blob(w http.ResponseWriter, r *http.Request, path, ref string) {
	content, err := h.resolve(r, path)
	if err != nil {
		h.resolveError(w, "blob", path, err)
		return
	}

	dgst, err := digest.Parse(ref)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeBlobUnknown, "blob unknown to registry", ref)
		h.record("blob", http.StatusNotFound)
		return
	}

	blob := content.FindBlob(dgst)
	if blob == nil {
		// Clients may also fetch manifests through the blob endpoint.
		if m := content.FindManifest(dgst); m != nil {
			h.serveManifest(w, r, m, m.Digest)
			return
		}
		writeError(w, http.StatusNotFound, CodeBlobUnknown, "blob unknown to registry", ref)
		h.record("blob", http.StatusNotFound)
		return
	}

	backend, err := h.svc.DefaultBackend()
	if err != nil {
		h.internalError(w, "blob", err)
		return
	}

	if !blob.Downloaded {
		if err := h.fetchLazy(r, backend, blob); err != nil {
			h.logger.Error("lazy blob fetch failed", "digest", blob.Digest, "error", err)
			writeError(w, http.StatusNotFound, CodeBlobUnknown, "blob unknown to registry", ref)
			h.record("blob", http.StatusNotFound)
			return
		}
	}

	key := pulpdocker.BlobKey(blob.Digest)

	// Object storage backends hand out direct URLs; everything else streams
	// through this process.
	if u, err := backend.RedirectURL(r.Context(), key); err == nil && u != "" {
		w.Header().Set("Docker-Distribution-API-Version", apiVersion)
		w.Header().Set("Docker-Content-Digest", blob.Digest.String())
		http.Redirect(w, r, u, http.StatusTemporaryRedirect)
		h.record("blob", http.StatusTemporaryRedirect)
		return
	}

	rc, err := backend.Get(r.Context(), key)
	if err != nil {
		h.internalError(w, "blob", err)
		return
	}
	defer rc.Close()

	contentType := blob.MediaType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Docker-Distribution-API-Version", apiVersion)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Docker-Content-Digest", blob.Digest.String())
	w.Header().Set("Content-Disposition", "attachment; filename="+blob.Digest.Encoded())
	if blob.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	}
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, rc)
	}
	h.record("blob", http.StatusOK)
}

// fetchLazy downloads an on_demand blob from its remote and records the
// bytes so later pulls hit local storage.
func (h *Handler) fetchLazy(r *http.Request, backend pulpdocker.BlobStore, blob *pulpdocker.Blob) error {
	if blob.RemoteID == nil {
		return pulpdocker.ErrBlobNotDownloaded
	}
	remote, err := h.svc.GetRemote(r.Context(), *blob.RemoteID)
	if err != nil {
		return err
	}

	client := sync.NewClient(remote, h.logger)
	body, size, err := client.Blob(r.Context(), blob.Digest)
	if err != nil {
		return err
	}
	defer body.Close()

	key := pulpdocker.BlobKey(blob.Digest)
	if err := backend.Put(r.Context(), key, blob.Digest, body); err != nil {
		return err
	}

	blob.Size = size
	blob.Downloaded = true
	if err := h.store.UpdateBlob(r.Context(), blob); err != nil {
		return err
	}
	h.logger.Info("blob downloaded on demand", "digest", blob.Digest, "size", size)
	return nil
}

// resolveError maps base-path lookup failures. Only an unknown distribution
// is a registry 404; anything else is an internal failure.
func (h *Handler) resolveError(w http.ResponseWriter, handler, path string, err error) {
	if errors.Is(err, pulpdocker.ErrDistributionNotFound) {
		writeError(w, http.StatusNotFound, CodeNameUnknown, "repository name not known to registry", path)
		h.record(handler, http.StatusNotFound)
		return
	}
	h.internalError(w, handler, err)
}

func (h *Handler) manifestUnknown(w http.ResponseWriter, ref string) {
	writeError(w, http.StatusNotFound, CodeManifestUnknown, "manifest unknown", ref)
	h.record("manifest", http.StatusNotFound)
}

func (h *Handler) internalError(w http.ResponseWriter, handler string, err error) {
	h.logger.Error("registry request failed", "handler", handler, "error", err)
	writeError(w, http.StatusInternalServerError, CodeUnsupported, "internal error", "")
	h.record(handler, http.StatusInternalServerError)
}

func (h *Handler) record(handler string, status int) {
	if h.observe != nil {
		h.observe(handler, status)
	}
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
