package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

// ContentHandler handles read-only HTTP requests for content units
type ContentHandler struct {
	svc pulpdocker.Service
}

// NewContentHandler creates a new content handler
func NewContentHandler(svc pulpdocker.Service) *ContentHandler {
	return &ContentHandler{svc: svc}
}

// Routes returns the routes for content units
func (h *ContentHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/manifests", h.ListManifests)
	r.Get("/manifests/{id}", h.GetManifest)
	r.Get("/tags", h.ListTags)
	r.Get("/tags/{id}", h.GetTag)
	r.Get("/blobs", h.ListBlobs)
	r.Get("/blobs/{id}", h.GetBlob)

	return r
}

// ManifestResponse is the response body for a manifest
type ManifestResponse struct {
	ID              string                   `json:"id"`
	Digest          string                   `json:"digest"`
	SchemaVersion   int                      `json:"schema_version"`
	MediaType       string                   `json:"media_type"`
	ConfigBlob      string                   `json:"config_blob,omitempty"`
	Blobs           []string                 `json:"blobs,omitempty"`
	ListedManifests []pulpdocker.ManifestRef `json:"listed_manifests,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
}

func manifestResponse(m *pulpdocker.Manifest) ManifestResponse {
	resp := ManifestResponse{
		ID:              m.ID.String(),
		Digest:          m.Digest.String(),
		SchemaVersion:   m.SchemaVersion,
		MediaType:       m.MediaType,
		ConfigBlob:      m.ConfigBlob.String(),
		ListedManifests: m.ListedManifests,
		CreatedAt:       m.CreatedAt,
	}
	for _, d := range m.Blobs {
		resp.Blobs = append(resp.Blobs, d.String())
	}
	return resp
}

// GetManifest retrieves a manifest by ID
func (h *ContentHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "manifest")
	if !ok {
		return
	}
	m, err := h.svc.GetManifest(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, manifestResponse(m))
}

// ListManifests lists all manifests
func (h *ContentHandler) ListManifests(w http.ResponseWriter, r *http.Request) {
	manifests, err := h.svc.ListManifests(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	results := make([]ManifestResponse, 0, len(manifests))
	for _, m := range manifests {
		results = append(results, manifestResponse(m))
	}
	render.JSON(w, r, map[string]interface{}{"count": len(results), "results": results})
}

// TagResponse is the response body for a tag
type TagResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	TaggedManifest string    `json:"tagged_manifest"`
	CreatedAt      time.Time `json:"created_at"`
}

func tagResponse(t *pulpdocker.Tag) TagResponse {
	return TagResponse{
		ID:             t.ID.String(),
		Name:           t.Name,
		TaggedManifest: t.TaggedManifest.String(),
		CreatedAt:      t.CreatedAt,
	}
}

// GetTag retrieves a tag by ID
func (h *ContentHandler) GetTag(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "tag")
	if !ok {
		return
	}
	t, err := h.svc.GetTag(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, tagResponse(t))
}

// ListTags lists all tags
func (h *ContentHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.svc.ListTags(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	results := make([]TagResponse, 0, len(tags))
	for _, t := range tags {
		results = append(results, tagResponse(t))
	}
	render.JSON(w, r, map[string]interface{}{"count": len(results), "results": results})
}

// BlobResponse is the response body for a blob record
type BlobResponse struct {
	ID         string    `json:"id"`
	Digest     string    `json:"digest"`
	MediaType  string    `json:"media_type"`
	Size       int64     `json:"size"`
	Downloaded bool      `json:"downloaded"`
	CreatedAt  time.Time `json:"created_at"`
}

func blobResponse(b *pulpdocker.Blob) BlobResponse {
	return BlobResponse{
		ID:         b.ID.String(),
		Digest:     b.Digest.String(),
		MediaType:  b.MediaType,
		Size:       b.Size,
		Downloaded: b.Downloaded,
		CreatedAt:  b.CreatedAt,
	}
}

// GetBlob retrieves a blob record by ID
func (h *ContentHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "blob")
	if !ok {
		return
	}
	b, err := h.svc.GetBlob(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, blobResponse(b))
}

// ListBlobs lists all blob records
func (h *ContentHandler) ListBlobs(w http.ResponseWriter, r *http.Request) {
	blobs, err := h.svc.ListBlobs(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	results := make([]BlobResponse, 0, len(blobs))
	for _, b := range blobs {
		results = append(results, blobResponse(b))
	}
	render.JSON(w, r, map[string]interface{}{"count": len(results), "results": results})
}
