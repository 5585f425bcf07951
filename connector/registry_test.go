package connector

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/sluice/errors"
)

type stubConnector struct{ version string }

func (stubConnector) ListSeeds(context.Context, SeedSpec) iter.Seq2[DocumentRef, error] {
	return func(func(DocumentRef, error) bool) {}
}
func (stubConnector) Fetch(context.Context, FetchRequest) (FetchResult, error) {
	return NotModified(), nil
}
func (stubConnector) CheckAccess(context.Context, DocumentRef) (AclSnapshot, error) {
	return AclSnapshot{}, nil
}
func (stubConnector) Close() error { return nil }

func stubDescriptor(typ, version string) Descriptor {
	return Descriptor{
		Type:    typ,
		Version: MustVersion(version),
		New: func(cfg Config, _ *zap.SugaredLogger) (Connector, error) {
			if cfg.String("root") == "" {
				return nil, errors.NewConfigurationError("root", "is required")
			}
			return stubConnector{version: version}, nil
		},
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Register(stubDescriptor("wiki", "1.2.0"))
	r.Register(stubDescriptor("wiki", "2.0.1"))
	r.Register(stubDescriptor("tickets", "0.3.0"))

	t.Run("empty constraint picks newest", func(t *testing.T) {
		d, err := r.Resolve("wiki", "")
		require.NoError(t, err)
		assert.Equal(t, "2.0.1", d.Version.String())
	})

	t.Run("constraint pins a major", func(t *testing.T) {
		d, err := r.Resolve("wiki", "^1")
		require.NoError(t, err)
		assert.Equal(t, "1.2.0", d.Version.String())
	})

	t.Run("unsatisfiable constraint is a configuration error", func(t *testing.T) {
		_, err := r.Resolve("wiki", ">=3")
		require.Error(t, err)
		assert.True(t, errors.IsConfigurationError(err))
	})

	t.Run("unknown type is a configuration error", func(t *testing.T) {
		_, err := r.Resolve("sharepoint", "")
		assert.True(t, errors.IsConfigurationError(err))
	})

	t.Run("list is ordered", func(t *testing.T) {
		var got []string
		for _, d := range r.List() {
			got = append(got, d.Type+"@"+d.Version.String())
		}
		assert.Equal(t, []string{"tickets@0.3.0", "wiki@2.0.1", "wiki@1.2.0"}, got)
	})
}

func TestRegistryOpenValidatesConfig(t *testing.T) {
	r := NewRegistry()
	r.Register(stubDescriptor("wiki", "1.0.0"))

	_, _, err := r.Open("wiki", "", Config{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))

	conn, d, err := r.Open("wiki", "", Config{"root": "/srv"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "wiki", d.Type)
	assert.Equal(t, stubConnector{version: "1.0.0"}, conn)
}

func TestRegistryPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Register(stubDescriptor("wiki", "1.0.0"))
	assert.Panics(t, func() { r.Register(stubDescriptor("wiki", "1.0.0")) })
}
