// Package web crawls HTTP(S) sites. Document IDs are absolute URLs without
// fragments; seeds are the job's root URLs and pages are found by following
// links up to the job's hop limit.
package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"iter"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/errors"
	"github.com/teranos/sluice/internal/httpclient"
)

// Type is the connector type identifier.
const Type = "web"

const (
	defaultMaxBytes  = 10 << 20
	defaultUserAgent = "sluice/1.0 (+https://github.com/teranos/sluice)"
)

// Fingerprint prefixes say which validator the fingerprint carries.
const (
	fpETag         = "etag:"
	fpLastModified = "lm:"
	fpHash         = "sha256:"
)

// Descriptor registers the connector.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Type:        Type,
		Version:     connector.MustVersion("1.0.0"),
		Model:       connector.ModelAddChangeDelete,
		Description: "HTTP(S) pages; conditional GET, link discovery",
		New:         New,
	}
}

// Connector fetches pages through an SSRF-protected client.
type Connector struct {
	client   *httpclient.SaferClient
	base     *url.URL
	sameHost bool
	maxBytes int64
	token    string
	log      *zap.SugaredLogger

	// set after the first successful response
	authorized atomic.Bool
}

// New builds a connector. Config keys: base_url (resolves relative roots),
// same_host (default true), allow_private, user_agent, timeout, max_bytes,
// bearer_token.
func New(cfg connector.Config, log *zap.SugaredLogger) (connector.Connector, error) {
	timeout, err := cfg.Duration("timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	maxBytes := int64(cfg.Int("max_bytes", defaultMaxBytes))
	if maxBytes <= 0 {
		return nil, errors.NewConfigurationError("max_bytes", "must be > 0")
	}
	userAgent := cfg.String("user_agent")
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	c := &Connector{
		client: httpclient.New(httpclient.Options{
			Timeout:      timeout,
			AllowPrivate: cfg.Bool("allow_private", false),
			UserAgent:    userAgent,
		}),
		sameHost: cfg.Bool("same_host", true),
		maxBytes: maxBytes,
		token:    cfg.String("bearer_token"),
		log:      log,
	}
	if raw := cfg.String("base_url"); raw != "" {
		base, err := c.client.ValidateURL(raw)
		if err != nil {
			return nil, errors.NewConfigurationError("base_url", "%v", err)
		}
		c.base = base
	}
	return c, nil
}

// ListSeeds yields the normalized root URLs. Invalid roots end the
// listing with a permanent error.
func (c *Connector) ListSeeds(ctx context.Context, spec connector.SeedSpec) iter.Seq2[connector.DocumentRef, error] {
	return func(yield func(connector.DocumentRef, error) bool) {
		roots := spec.Roots
		if len(roots) == 0 && c.base != nil {
			roots = []string{c.base.String()}
		}
		for _, root := range roots {
			id, err := c.normalize(root)
			if err != nil {
				yield(connector.DocumentRef{}, connector.Permanent(errors.Wrapf(err, "invalid root %q", root)))
				return
			}
			if !yield(connector.DocumentRef{ID: id}, nil) {
				return
			}
		}
	}
}

// Fetch issues a conditional GET using the validator stored in the prior
// fingerprint.
func (c *Connector) Fetch(ctx context.Context, req connector.FetchRequest) (connector.FetchResult, error) {
	u, err := c.client.ValidateURL(req.Ref.ID)
	if err != nil {
		return connector.FetchResult{}, connector.Permanent(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return connector.FetchResult{}, connector.Permanent(errors.Wrap(err, "failed to build request"))
	}
	switch {
	case strings.HasPrefix(req.PriorFingerprint, fpETag):
		httpReq.Header.Set("If-None-Match", strings.TrimPrefix(req.PriorFingerprint, fpETag))
	case strings.HasPrefix(req.PriorFingerprint, fpLastModified):
		httpReq.Header.Set("If-Modified-Since", strings.TrimPrefix(req.PriorFingerprint, fpLastModified))
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return connector.FetchResult{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		c.authorized.Store(true)
		return connector.NotModified(), nil
	case http.StatusNotFound, http.StatusGone:
		return connector.Gone(), nil
	}
	if class, isErr := c.classifyStatus(resp.StatusCode); isErr {
		return connector.FetchResult{}, class.Mark(errors.Newf("GET %s: %s", req.Ref.ID, resp.Status))
	}
	c.authorized.Store(true)

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return connector.FetchResult{}, connector.Transient(errors.Wrapf(err, "failed to read %s", req.Ref.ID))
	}
	if int64(len(body)) > c.maxBytes {
		return connector.FetchResult{}, connector.Permanent(errors.Newf("%s is over the %d byte limit", req.Ref.ID, c.maxBytes))
	}

	fp := fingerprint(resp, body)
	if fp == req.PriorFingerprint {
		return connector.NotModified(), nil
	}

	content := &connector.Content{
		Fingerprint: fp,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Metadata: map[string]string{
			"url":    resp.Request.URL.String(),
			"status": resp.Status,
		},
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		content.Metadata["last_modified"] = lm
	}
	if isHTML(content.ContentType) {
		page, err := parsePage(resp.Request.URL, body)
		if err != nil {
			c.log.Debugw("Failed to parse HTML, keeping body without links", "url", req.Ref.ID, "error", err)
		} else {
			if page.Title != "" {
				content.Metadata["title"] = page.Title
			}
			content.Discovered = c.discovered(u, page.Links, req.Ref.Hops+1)
		}
	}
	return connector.ContentResult(content), nil
}

// classifyStatus treats 403 as a rejected token until some page has been
// served with it. Afterwards, and for anonymous crawls, a 403 only concerns
// the one page.
func (c *Connector) classifyStatus(code int) (connector.Class, bool) {
	if code == http.StatusForbidden && c.token != "" && !c.authorized.Load() {
		return connector.ClassAuth, true
	}
	return connector.ClassifyHTTPStatus(code)
}

// CheckAccess reports who can read a page. HTTP carries no ACLs, so this is
// "everyone" for anonymous crawls and "authenticated" when a token is used.
func (c *Connector) CheckAccess(ctx context.Context, ref connector.DocumentRef) (connector.AclSnapshot, error) {
	if c.token != "" {
		return connector.AclSnapshot{Allow: []string{"authenticated"}}, nil
	}
	return connector.AclSnapshot{Allow: []string{"everyone"}}, nil
}

// Close releases idle connections.
func (c *Connector) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// normalize resolves raw against the base URL and drops the fragment.
func (c *Connector) normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if c.base != nil {
		u = c.base.ResolveReference(u)
	}
	if _, err := c.client.ValidateURL(u.String()); err != nil {
		return "", err
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func (c *Connector) discovered(from *url.URL, links []string, hops int) []connector.DocumentRef {
	seen := make(map[string]bool, len(links))
	out := make([]connector.DocumentRef, 0, len(links))
	for _, link := range links {
		id, err := c.normalize(link)
		if err != nil || seen[id] {
			continue
		}
		if c.sameHost {
			if u, err := url.Parse(id); err != nil || !strings.EqualFold(u.Host, from.Host) {
				continue
			}
		}
		seen[id] = true
		out = append(out, connector.DocumentRef{ID: id, Hops: hops})
	}
	return out
}

// fingerprint prefers the server's validators and falls back to a body hash.
func fingerprint(resp *http.Response, body []byte) string {
	if etag := resp.Header.Get("ETag"); etag != "" {
		return fpETag + etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		return fpLastModified + lm
	}
	sum := sha256.Sum256(body)
	return fpHash + hex.EncodeToString(sum[:])
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "text/html" || mt == "application/xhtml+xml")
}

func classifyTransport(err error) error {
	if errors.Is(err, httpclient.ErrBlocked) {
		return connector.Permanent(err)
	}
	return connector.Transient(err)
}
