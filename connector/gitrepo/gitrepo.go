// Package gitrepo crawls the files of one revision of a git repository.
// Document IDs are slash-separated paths in the tree; fingerprints are blob
// hashes, so unchanged files are NotModified without reading them.
package gitrepo

import (
	"context"
	"io"
	"iter"
	"strconv"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/errors"
)

// Type is the connector type identifier.
const Type = "git"

const defaultMaxBytes = 16 << 20

// Descriptor registers the connector.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Type:        Type,
		Version:     connector.MustVersion("1.0.0"),
		Model:       connector.ModelAll,
		Description: "files of a git revision; blob-hash fingerprints",
		New:         New,
	}
}

// Connector reads a local repository, or a remote one cloned into memory
// and re-cloned at the start of every listing.
type Connector struct {
	path     string
	url      string
	ref      string
	auth     transport.AuthMethod
	maxBytes int64
	binary   bool
	log      *zap.SugaredLogger

	// go-git repositories are not safe for concurrent use
	mu   sync.Mutex
	repo *git.Repository
}

// New builds a connector. Config keys: path or url (one required), ref
// (revision for path, branch for url; default HEAD), username, password,
// max_bytes, include_binary.
func New(cfg connector.Config, log *zap.SugaredLogger) (connector.Connector, error) {
	c := &Connector{
		path:     cfg.String("path"),
		url:      cfg.String("url"),
		ref:      cfg.String("ref"),
		maxBytes: int64(cfg.Int("max_bytes", defaultMaxBytes)),
		binary:   cfg.Bool("include_binary", false),
		log:      log,
	}
	if (c.path == "") == (c.url == "") {
		return nil, errors.NewConfigurationError("path", "exactly one of path or url is required")
	}
	if c.maxBytes <= 0 {
		return nil, errors.NewConfigurationError("max_bytes", "must be > 0")
	}
	if user := cfg.String("username"); user != "" || cfg.String("password") != "" {
		c.auth = &githttp.BasicAuth{Username: user, Password: cfg.String("password")}
	}

	if c.path != "" {
		repo, err := git.PlainOpen(c.path)
		if err != nil {
			return nil, errors.NewConfigurationError("path", "not a git repository: %v", err)
		}
		c.repo = repo
		if _, err := c.tree(); err != nil {
			return nil, errors.NewConfigurationError("ref", "%v", err)
		}
	}
	return c, nil
}

// ListSeeds yields every file of the revision below the root prefixes.
func (c *Connector) ListSeeds(ctx context.Context, spec connector.SeedSpec) iter.Seq2[connector.DocumentRef, error] {
	return func(yield func(connector.DocumentRef, error) bool) {
		if c.url != "" {
			if err := c.clone(ctx); err != nil {
				yield(connector.DocumentRef{}, err)
				return
			}
		}
		paths, err := c.listFiles(ctx, spec.Roots)
		if err != nil {
			yield(connector.DocumentRef{}, err)
			return
		}
		for _, p := range paths {
			if !yield(connector.DocumentRef{ID: p}, nil) {
				return
			}
		}
	}
}

func (c *Connector) listFiles(ctx context.Context, roots []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tree, err := c.tree()
	if err != nil {
		return nil, err
	}
	files := tree.Files()
	defer files.Close()

	var paths []string
	for {
		f, err := files.Next()
		if err == io.EOF {
			return paths, nil
		}
		if err != nil {
			return nil, connector.Transient(errors.Wrap(err, "failed to walk tree"))
		}
		if ctx.Err() != nil {
			return nil, connector.Transient(ctx.Err())
		}
		if under(f.Name, roots) {
			paths = append(paths, f.Name)
		}
	}
}

// Fetch reads the file at the current revision.
func (c *Connector) Fetch(ctx context.Context, req connector.FetchRequest) (connector.FetchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.repo == nil {
		return connector.FetchResult{}, connector.Transient(errors.New("repository not cloned yet"))
	}
	commit, err := c.commit()
	if err != nil {
		return connector.FetchResult{}, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return connector.FetchResult{}, connector.Transient(errors.Wrap(err, "failed to read tree"))
	}
	f, err := tree.File(req.Ref.ID)
	if errors.Is(err, object.ErrFileNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
		return connector.Gone(), nil
	}
	if err != nil {
		return connector.FetchResult{}, connector.Transient(errors.Wrapf(err, "failed to read %s", req.Ref.ID))
	}

	fp := f.Hash.String()
	if fp == req.PriorFingerprint {
		return connector.NotModified(), nil
	}
	if f.Size > c.maxBytes {
		return connector.FetchResult{}, connector.Permanent(errors.Newf("%s is %d bytes, over the %d byte limit", req.Ref.ID, f.Size, c.maxBytes))
	}
	if !c.binary {
		if bin, err := f.IsBinary(); err == nil && bin {
			return connector.FetchResult{}, connector.Permanent(errors.Newf("%s is binary", req.Ref.ID))
		}
	}
	body, err := f.Contents()
	if err != nil {
		return connector.FetchResult{}, connector.Transient(errors.Wrapf(err, "failed to read blob of %s", req.Ref.ID))
	}

	return connector.ContentResult(&connector.Content{
		Fingerprint: fp,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(body),
		Metadata: map[string]string{
			"commit":    commit.Hash.String(),
			"author":    commit.Author.Name,
			"committed": commit.Committer.When.UTC().Format("2006-01-02T15:04:05Z"),
			"mode":      f.Mode.String(),
			"size":      strconv.FormatInt(f.Size, 10),
		},
	}), nil
}

// CheckAccess reports repository-level access; git has no per-file ACLs.
func (c *Connector) CheckAccess(ctx context.Context, ref connector.DocumentRef) (connector.AclSnapshot, error) {
	return connector.AclSnapshot{Allow: []string{"repository"}}, nil
}

// Close drops the in-memory clone.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.url != "" {
		c.repo = nil
	}
	return nil
}

func (c *Connector) clone(ctx context.Context) error {
	opts := &git.CloneOptions{
		URL:          c.url,
		Auth:         c.auth,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if c.ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(c.ref)
	}
	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, opts)
	if err != nil {
		return classify(errors.Wrapf(err, "failed to clone %s", c.url))
	}

	c.mu.Lock()
	c.repo = repo
	c.mu.Unlock()
	c.log.Debugw("Cloned repository", "url", c.url, "ref", c.ref)
	return nil
}

// commit resolves the configured revision. Callers hold mu.
func (c *Connector) commit() (*object.Commit, error) {
	rev := "HEAD"
	if c.ref != "" && c.url == "" {
		rev = c.ref
	}
	hash, err := c.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, connector.Permanent(errors.Wrapf(err, "failed to resolve %s", rev))
	}
	commit, err := c.repo.CommitObject(*hash)
	if err != nil {
		return nil, connector.Transient(errors.Wrapf(err, "failed to read commit %s", hash))
	}
	return commit, nil
}

// tree returns the tree of the configured revision. Callers hold mu.
func (c *Connector) tree() (*object.Tree, error) {
	if c.repo == nil {
		return nil, connector.Transient(errors.New("repository not cloned yet"))
	}
	commit, err := c.commit()
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, connector.Transient(errors.Wrap(err, "failed to read tree"))
	}
	return tree, nil
}

func under(name string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	for _, r := range roots {
		r = strings.Trim(r, "/")
		if r == "" || r == "." || name == r || strings.HasPrefix(name, r+"/") {
			return true
		}
	}
	return false
}

func classify(err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return connector.Auth(err)
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return connector.Permanent(err)
	}
	return connector.Transient(err)
}
