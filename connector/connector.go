// Package connector defines the adapter contract between the crawl core and
// repository connectors, the error classes adapters report, and the
// registry that resolves a connection's connector type to a factory.
package connector

import (
	"context"
	"iter"
	"path"
)

// Connector is the capability set every repository adapter implements.
// The crawl core talks to repositories only through this interface.
//
// Implementations must be safe for concurrent use: the coordinator calls
// Fetch and CheckAccess from several workers at once.
type Connector interface {
	// ListSeeds lazily enumerates the documents named by spec. Errors end
	// the sequence; a classified error is reported on the job.
	ListSeeds(ctx context.Context, spec SeedSpec) iter.Seq2[DocumentRef, error]

	// Fetch retrieves a document. Repeated calls against unchanged remote
	// state must return NotModified when req.PriorFingerprint matches.
	// A document removed upstream is reported as Gone, not as an error.
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)

	// CheckAccess returns the access-control snapshot for a document.
	CheckAccess(ctx context.Context, ref DocumentRef) (AclSnapshot, error)

	// Close releases clients, watchers and file handles.
	Close() error
}

// ChangeNotifier is implemented by connectors that can push document
// changes between seeding passes. The channel closes when ctx ends.
type ChangeNotifier interface {
	Changes(ctx context.Context) (<-chan DocumentRef, error)
}

// DocumentRef identifies a document within a connection.
type DocumentRef struct {
	ID   string
	Hops int // link distance from a seed; 0 for listed documents
}

// SeedSpec is the part of a job definition that says where to start.
type SeedSpec struct {
	Roots   []string `json:"roots" yaml:"roots"`
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	MaxHops int      `json:"max_hops,omitempty" yaml:"max_hops,omitempty"`
}

// Allows applies the include and exclude globs (path.Match syntax) to id.
// An empty include list admits everything; exclude wins over include.
func (s SeedSpec) Allows(id string) bool {
	for _, pattern := range s.Exclude {
		if ok, _ := path.Match(pattern, id); ok {
			return false
		}
	}
	if len(s.Include) == 0 {
		return true
	}
	for _, pattern := range s.Include {
		if ok, _ := path.Match(pattern, id); ok {
			return true
		}
	}
	return false
}

// FetchRequest carries the stored fingerprint so connectors can answer
// NotModified without transferring content.
type FetchRequest struct {
	Ref              DocumentRef
	PriorFingerprint string
}

// ResultKind tells which variant a FetchResult holds.
type ResultKind int

const (
	ResultContent ResultKind = iota
	ResultNotModified
	ResultGone
)

func (k ResultKind) String() string {
	switch k {
	case ResultContent:
		return "content"
	case ResultNotModified:
		return "not_modified"
	case ResultGone:
		return "gone"
	}
	return "unknown"
}

// Content is a fetched document. Metadata-only connectors leave Body nil.
type Content struct {
	Fingerprint string
	ContentType string
	Body        []byte
	Metadata    map[string]string
	// Discovered holds references found inside the document, such as links.
	Discovered []DocumentRef
}

// FetchResult is Content, NotModified or Gone.
type FetchResult struct {
	Kind    ResultKind
	Content *Content
}

// ContentResult wraps fetched content.
func ContentResult(c *Content) FetchResult {
	return FetchResult{Kind: ResultContent, Content: c}
}

// NotModified reports an unchanged document.
func NotModified() FetchResult {
	return FetchResult{Kind: ResultNotModified}
}

// Gone reports a document removed upstream.
func Gone() FetchResult {
	return FetchResult{Kind: ResultGone}
}

// AclSnapshot is the access-control state of a document at fetch time.
type AclSnapshot struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// Model describes what a connector's seed listing guarantees.
type Model int

const (
	// ModelAll lists every document on every pass, so a document missing
	// from a completed pass is a delete candidate.
	ModelAll Model = iota
	// ModelAddChangeDelete lists incrementally. Known documents the listing
	// does not reach are refetched each pass; removals are only learned
	// from Fetch returning Gone.
	ModelAddChangeDelete
)

func (m Model) String() string {
	if m == ModelAll {
		return "all"
	}
	return "add_change_delete"
}
