package logger

import (
	"github.com/teranos/sluice/sym"
	"go.uber.org/zap"
)

// Symbol-aware helpers. The glyph goes in a structured field, not the
// message, so logs stay queryable by component.

// WithSymbol returns the global logger with the symbol field set.
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}

// AddSluiceSymbol tags a logger as the scheduler loop (≋).
func AddSluiceSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Sluice)
}

// AddWorkerSymbol tags a logger as a coordinator worker (⚙).
func AddWorkerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Worker)
}

// AddDBSymbol tags a logger as a store (⊔).
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddConnectorSymbol tags a logger as a connector adapter (⇄).
func AddConnectorSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Connector)
}

// OpenInfow logs a graceful-startup message (✿).
func OpenInfow(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	l.Infow(msg, append([]interface{}{FieldSymbol, sym.Open}, keysAndValues...)...)
}

// CloseInfow logs a graceful-shutdown message (❀).
func CloseInfow(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	l.Infow(msg, append([]interface{}{FieldSymbol, sym.Close}, keysAndValues...)...)
}
