package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

// manifestAccept is sent on every manifest request so the upstream returns
// its richest available representation.
var manifestAccept = strings.Join([]string{
	pulpdocker.MediaTypeManifestList,
	pulpdocker.MediaTypeManifestV2,
	pulpdocker.MediaTypeOCIIndex,
	pulpdocker.MediaTypeOCIManifest,
	pulpdocker.MediaTypeManifestV1Signed,
	pulpdocker.MediaTypeManifestV1,
}, ", ")

// Client talks the Docker Registry v2 read API to one upstream repository.
// Requests retry transient failures and answer bearer token challenges.
type Client struct {
	base     string
	upstream string
	http     *retryablehttp.Client
	logger   *slog.Logger

	token string
}

// NewClient builds a registry client for the remote's URL and upstream name
func NewClient(remote *pulpdocker.Remote, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.Logger = nil

	return &Client{
		base:     strings.TrimRight(remote.URL, "/"),
		upstream: remote.UpstreamName,
		http:     rc,
		logger:   logger,
	}
}

// Tags returns every tag name in the upstream repository, following
// pagination links until the listing is exhausted.
func (c *Client) Tags(ctx context.Context) ([]string, error) {
	var tags []string
	next := fmt.Sprintf("%s/v2/%s/tags/list", c.base, c.upstream)

	for next != "" {
		resp, err := c.do(ctx, http.MethodGet, next, "")
		if err != nil {
			return nil, err
		}

		var page struct {
			Name string   `json:"name"`
			Tags []string `json:"tags"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		link := resp.Header.Get("Link")
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode tag listing: %w", err)
		}
		tags = append(tags, page.Tags...)

		next, err = c.nextPage(link)
		if err != nil {
			return nil, err
		}
	}
	return tags, nil
}

// nextPage resolves an RFC 5988 Link header into an absolute URL
func (c *Client) nextPage(link string) (string, error) {
	if link == "" {
		return "", nil
	}
	raw, _, found := strings.Cut(link, ";")
	if !found {
		raw = link
	}
	raw = strings.Trim(strings.TrimSpace(raw), "<>")

	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid pagination link %q: %w", link, err)
	}
	base, err := url.Parse(c.base)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// Manifest fetches a manifest by tag or digest. The returned digest is
// computed over the payload and checked against the reference when the
// reference is itself a digest.
func (c *Client) Manifest(ctx context.Context, reference string) ([]byte, string, digest.Digest, error) {
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.base, c.upstream, reference)
	resp, err := c.do(ctx, http.MethodGet, u, manifestAccept)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to read manifest %s: %w", reference, err)
	}

	dgst := digest.FromBytes(payload)
	if expected, err := digest.Parse(reference); err == nil && expected != dgst {
		return nil, "", "", pulpdocker.ErrDigestMismatch
	}

	mediaType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	return payload, strings.TrimSpace(mediaType), dgst, nil
}

// Blob opens a blob stream by digest. The caller is responsible for
// verifying the bytes against the digest as it consumes them.
func (c *Client) Blob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.base, c.upstream, dgst)
	resp, err := c.do(ctx, http.MethodGet, u, "")
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

// BlobSize asks the upstream for a blob's size without downloading it
func (c *Client) BlobSize(ctx context.Context, dgst digest.Digest) (int64, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.base, c.upstream, dgst)
	resp, err := c.do(ctx, http.MethodHead, u, "")
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.ContentLength, nil
}

// do issues one request, answering a bearer token challenge at most once
func (c *Client) do(ctx context.Context, method, u, accept string) (*http.Response, error) {
	resp, err := c.send(ctx, method, u, accept)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		challenge := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()

		if err := c.fetchToken(ctx, challenge); err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, method, u, accept)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, pulpdocker.ErrManifestNotFound
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream returned %s for %s", resp.Status, u)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, u, accept string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// fetchToken resolves a "Bearer realm=..." challenge into a token scoped to
// the upstream repository.
func (c *Client) fetchToken(ctx context.Context, challenge string) error {
	params := parseBearerChallenge(challenge)
	realm := params["realm"]
	if realm == "" {
		return fmt.Errorf("upstream requires authentication but sent no bearer challenge")
	}

	u, err := url.Parse(realm)
	if err != nil {
		return fmt.Errorf("invalid token realm %q: %w", realm, err)
	}
	q := u.Query()
	if service := params["service"]; service != "" {
		q.Set("service", service)
	}
	scope := params["scope"]
	if scope == "" {
		scope = fmt.Sprintf("repository:%s:pull", c.upstream)
	}
	q.Set("scope", scope)
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch bearer token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}

	c.token = body.Token
	if c.token == "" {
		c.token = body.AccessToken
	}
	if c.token == "" {
		return fmt.Errorf("token endpoint returned no token")
	}
	return nil
}

// parseBearerChallenge splits `Bearer realm="...",service="..."` into a map
func parseBearerChallenge(header string) map[string]string {
	params := make(map[string]string)
	value, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return params
	}
	for _, part := range strings.Split(value, ",") {
		key, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		params[key] = strings.Trim(val, `"`)
	}
	return params
}
