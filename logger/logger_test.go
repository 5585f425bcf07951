package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	for _, jsonOutput := range []bool{true, false} {
		Logger = nil
		require.NoError(t, Initialize(jsonOutput))
		require.NotNil(t, Logger)
		assert.Equal(t, jsonOutput, JSONOutput)
		Cleanup()
	}
	Logger = zap.NewNop().Sugar()
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
	assert.False(t, ShouldLogTrace(2))
	assert.True(t, ShouldLogTrace(3))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("loud"))
}

func TestFromContextCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	ctx := WithDocID(WithJobID(context.Background(), "job-7"), "doc-3")
	FromContext(ctx, base).Infow("fetched")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "job-7", fields[FieldJobID])
	assert.Equal(t, "doc-3", fields[FieldDocID])
}

func TestFromContextWithoutFields(t *testing.T) {
	base := zap.NewNop().Sugar()
	assert.Same(t, base, FromContext(context.Background(), base))
}

func TestSymbolHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	AddSluiceSymbol(base).Infow("tick")
	OpenInfow(base, "starting", "workers", 4)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "≋", logs.All()[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "✿", logs.All()[1].ContextMap()[FieldSymbol])
	assert.EqualValues(t, 4, logs.All()[1].ContextMap()["workers"])
}
