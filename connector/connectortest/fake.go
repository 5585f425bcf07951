// Package connectortest provides an in-memory connector for exercising the
// scheduler and coordinator without a real repository.
package connectortest

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/sluice/connector"
)

// Type is the connector type the fake registers under.
const Type = "fake"

// Doc is one document in the fake repository.
type Doc struct {
	Body        string
	Fingerprint string
	Links       []string
	Allow       []string
}

// Fake is a thread-safe in-memory repository. Zero value is not usable;
// call New.
type Fake struct {
	mu    sync.Mutex
	docs  map[string]*Doc
	calls map[string]int
	rev   int

	// FetchHook, when set, replaces the document lookup in Fetch.
	FetchHook func(ctx context.Context, req connector.FetchRequest) (connector.FetchResult, error)
	// SeedErr ends ListSeeds with this error after the listed documents.
	SeedErr error

	gate    chan struct{}
	started chan string
	changes chan connector.DocumentRef

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	totalCalls  atomic.Int32
	closed      atomic.Bool
}

// New creates an empty fake repository.
func New() *Fake {
	return &Fake{
		docs:    make(map[string]*Doc),
		calls:   make(map[string]int),
		changes: make(chan connector.DocumentRef, 64),
	}
}

// Put adds or replaces a document; the fingerprint changes on every Put.
func (f *Fake) Put(id, body string, links ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rev++
	f.docs[id] = &Doc{Body: body, Fingerprint: fmt.Sprintf("rev-%d", f.rev), Links: links}
}

// Remove deletes a document so Fetch reports it Gone.
func (f *Fake) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
}

// SetACL sets the allow list CheckAccess reports for id.
func (f *Fake) SetACL(id string, allow ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[id]; ok {
		d.Allow = allow
	}
}

// Hold makes every Fetch block until Release or its context ends. Each
// blocked Fetch announces its document on the returned channel.
func (f *Fake) Hold() <-chan string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.started = make(chan string, 1024)
	return f.started
}

// Release unblocks every held Fetch.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Notify pushes a change notification for id.
func (f *Fake) Notify(id string) {
	f.changes <- connector.DocumentRef{ID: id}
}

// Calls returns how many times Fetch was called for id.
func (f *Fake) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// TotalCalls returns the number of Fetch calls so far.
func (f *Fake) TotalCalls() int { return int(f.totalCalls.Load()) }

// InFlight returns the number of Fetch calls currently running.
func (f *Fake) InFlight() int { return int(f.inFlight.Load()) }

// MaxInFlight returns the highest concurrent Fetch count observed.
func (f *Fake) MaxInFlight() int { return int(f.maxInFlight.Load()) }

// Closed reports whether Close was called.
func (f *Fake) Closed() bool { return f.closed.Load() }

// Factory returns a factory that always yields f, for registering the fake.
func (f *Fake) Factory() connector.Factory {
	return func(connector.Config, *zap.SugaredLogger) (connector.Connector, error) {
		return f, nil
	}
}

// Descriptor returns a registry descriptor for f with the given model.
func (f *Fake) Descriptor(model connector.Model) connector.Descriptor {
	return connector.Descriptor{
		Type:        Type,
		Version:     connector.MustVersion("1.0.0"),
		Model:       model,
		Description: "in-memory test repository",
		New:         f.Factory(),
	}
}

func (f *Fake) ListSeeds(ctx context.Context, spec connector.SeedSpec) iter.Seq2[connector.DocumentRef, error] {
	f.mu.Lock()
	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		if matchesRoots(id, spec.Roots) && spec.Allows(id) {
			ids = append(ids, id)
		}
	}
	seedErr := f.SeedErr
	f.mu.Unlock()
	sort.Strings(ids)

	return func(yield func(connector.DocumentRef, error) bool) {
		for _, id := range ids {
			if ctx.Err() != nil {
				yield(connector.DocumentRef{}, connector.Transient(ctx.Err()))
				return
			}
			if !yield(connector.DocumentRef{ID: id}, nil) {
				return
			}
		}
		if seedErr != nil {
			yield(connector.DocumentRef{}, seedErr)
		}
	}
}

func matchesRoots(id string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	for _, r := range roots {
		if strings.HasPrefix(id, r) {
			return true
		}
	}
	return false
}

func (f *Fake) Fetch(ctx context.Context, req connector.FetchRequest) (connector.FetchResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	f.totalCalls.Add(1)

	f.mu.Lock()
	f.calls[req.Ref.ID]++
	gate, started := f.gate, f.started
	hook := f.FetchHook
	f.mu.Unlock()

	if gate != nil {
		started <- req.Ref.ID
		select {
		case <-gate:
		case <-ctx.Done():
			return connector.FetchResult{}, connector.Transient(ctx.Err())
		}
	}

	if hook != nil {
		return hook(ctx, req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[req.Ref.ID]
	if !ok {
		return connector.Gone(), nil
	}
	if req.PriorFingerprint == doc.Fingerprint {
		return connector.NotModified(), nil
	}
	content := &connector.Content{
		Fingerprint: doc.Fingerprint,
		ContentType: "text/plain",
		Body:        []byte(doc.Body),
		Metadata:    map[string]string{"id": req.Ref.ID},
	}
	for _, link := range doc.Links {
		content.Discovered = append(content.Discovered, connector.DocumentRef{ID: link, Hops: req.Ref.Hops + 1})
	}
	return connector.ContentResult(content), nil
}

func (f *Fake) CheckAccess(_ context.Context, ref connector.DocumentRef) (connector.AclSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[ref.ID]; ok {
		return connector.AclSnapshot{Allow: d.Allow}, nil
	}
	return connector.AclSnapshot{}, nil
}

func (f *Fake) Changes(ctx context.Context) (<-chan connector.DocumentRef, error) {
	out := make(chan connector.DocumentRef)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ref := <-f.changes:
				select {
				case out <- ref:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *Fake) Close() error {
	f.closed.Store(true)
	return nil
}
