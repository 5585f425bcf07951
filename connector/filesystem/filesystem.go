// Package filesystem crawls a local directory tree. Document IDs are
// slash-separated paths relative to the configured root.
package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"iter"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/errors"
)

// Type is the connector type identifier.
const Type = "filesystem"

const defaultMaxBytes = 32 << 20

// Descriptor registers the connector.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Type:        Type,
		Version:     connector.MustVersion("1.1.0"),
		Model:       connector.ModelAll,
		Description: "local directory tree; fsnotify change notifications",
		New:         New,
	}
}

// Connector reads files below root.
type Connector struct {
	root          string
	includeHidden bool
	maxBytes      int64
	watch         bool
	log           *zap.SugaredLogger
}

// New builds a connector. Config keys: root (required), include_hidden,
// max_bytes, watch (default true).
func New(cfg connector.Config, log *zap.SugaredLogger) (connector.Connector, error) {
	root, err := cfg.RequireString("root")
	if err != nil {
		return nil, err
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, errors.NewConfigurationError("root", "%v", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.NewConfigurationError("root", "%v", err)
	}
	if !info.IsDir() {
		return nil, errors.NewConfigurationError("root", "%s is not a directory", root)
	}
	maxBytes := int64(cfg.Int("max_bytes", defaultMaxBytes))
	if maxBytes <= 0 {
		return nil, errors.NewConfigurationError("max_bytes", "must be > 0")
	}

	return &Connector{
		root:          root,
		includeHidden: cfg.Bool("include_hidden", false),
		maxBytes:      maxBytes,
		watch:         cfg.Bool("watch", true),
		log:           log,
	}, nil
}

// ListSeeds walks each root (relative to the connection root; empty means
// the whole tree) and yields every regular file.
func (c *Connector) ListSeeds(ctx context.Context, spec connector.SeedSpec) iter.Seq2[connector.DocumentRef, error] {
	return func(yield func(connector.DocumentRef, error) bool) {
		roots := spec.Roots
		if len(roots) == 0 {
			roots = []string{"."}
		}
		for _, r := range roots {
			dir, err := c.resolve(r)
			if err != nil {
				yield(connector.DocumentRef{}, err)
				return
			}
			stopped := false
			walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				if p != dir && c.hidden(d.Name()) {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
				if !d.Type().IsRegular() {
					return nil
				}
				if !yield(connector.DocumentRef{ID: c.docID(p)}, nil) {
					stopped = true
					return filepath.SkipAll
				}
				return nil
			})
			if stopped {
				return
			}
			if walkErr != nil {
				yield(connector.DocumentRef{}, classify(errors.Wrapf(walkErr, "failed to walk %s", r)))
				return
			}
		}
	}
}

// Fetch reads the file. The fingerprint is size, mtime and content hash;
// an unchanged size and mtime answer NotModified without reading.
func (c *Connector) Fetch(ctx context.Context, req connector.FetchRequest) (connector.FetchResult, error) {
	p, err := c.resolve(req.Ref.ID)
	if err != nil {
		return connector.FetchResult{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return connector.Gone(), nil
	}
	if err != nil {
		return connector.FetchResult{}, classify(err)
	}
	if !info.Mode().IsRegular() {
		return connector.Gone(), nil
	}
	if info.Size() > c.maxBytes {
		return connector.FetchResult{}, connector.Permanent(errors.Newf("%s is %d bytes, over the %d byte limit", req.Ref.ID, info.Size(), c.maxBytes))
	}

	stamp := statStamp(info)
	if req.PriorFingerprint != "" && strings.HasPrefix(req.PriorFingerprint, stamp+"-") {
		return connector.NotModified(), nil
	}

	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return connector.Gone(), nil
	}
	if err != nil {
		return connector.FetchResult{}, classify(err)
	}
	defer f.Close()

	body, err := io.ReadAll(io.LimitReader(f, c.maxBytes+1))
	if err != nil {
		return connector.FetchResult{}, classify(err)
	}
	if int64(len(body)) > c.maxBytes {
		return connector.FetchResult{}, connector.Permanent(errors.Newf("%s grew past the %d byte limit", req.Ref.ID, c.maxBytes))
	}
	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	// touched but unchanged
	if req.PriorFingerprint != "" && strings.HasSuffix(req.PriorFingerprint, "-"+hash) {
		return connector.NotModified(), nil
	}

	return connector.ContentResult(&connector.Content{
		Fingerprint: stamp + "-" + hash,
		ContentType: contentType(p, body),
		Body:        body,
		Metadata: map[string]string{
			"path":     p,
			"size":     strconv.FormatInt(info.Size(), 10),
			"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
			"sha256":   hash,
		},
	}), nil
}

// CheckAccess reports permission classes derived from the file mode.
func (c *Connector) CheckAccess(ctx context.Context, ref connector.DocumentRef) (connector.AclSnapshot, error) {
	p, err := c.resolve(ref.ID)
	if err != nil {
		return connector.AclSnapshot{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return connector.AclSnapshot{}, classify(err)
	}
	mode := info.Mode().Perm()
	acl := connector.AclSnapshot{Allow: []string{"owner"}}
	if mode&0o040 != 0 {
		acl.Allow = append(acl.Allow, "group")
	}
	if mode&0o004 != 0 {
		acl.Allow = append(acl.Allow, "everyone")
	} else {
		acl.Deny = append(acl.Deny, "everyone")
	}
	return acl, nil
}

// Close is a no-op; watchers are owned by their Changes context.
func (c *Connector) Close() error {
	return nil
}

// resolve maps a document ID or seed root to an absolute path inside root.
func (c *Connector) resolve(id string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(id))
	p := filepath.Join(c.root, filepath.FromSlash(clean))
	if p != c.root && !strings.HasPrefix(p, c.root+string(filepath.Separator)) {
		return "", connector.Permanent(errors.Newf("%q escapes the connection root", id))
	}
	return p, nil
}

func (c *Connector) docID(p string) string {
	rel, err := filepath.Rel(c.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func (c *Connector) hidden(name string) bool {
	return !c.includeHidden && strings.HasPrefix(name, ".")
}

func statStamp(info fs.FileInfo) string {
	return strconv.FormatInt(info.Size(), 10) + "-" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
}

func contentType(p string, body []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	return http.DetectContentType(body)
}

// classify maps filesystem errors to connector error classes.
func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return connector.Auth(err)
	case errors.Is(err, fs.ErrNotExist):
		return connector.Permanent(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return connector.Transient(err)
	}
	return connector.Transient(err)
}
