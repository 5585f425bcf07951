// Package sym defines the glyphs sluice attaches to log lines and CLI output
// so the scheduler, the workers and the stores are easy to tell apart in a
// busy console.
package sym

const (
	Sluice    = "≋" // scheduler loop
	Open      = "✿" // graceful startup
	Close     = "❀" // graceful shutdown
	Worker    = "⚙" // coordinator workers
	DB        = "⊔" // document and job stores
	Connector = "⇄" // connector adapters
	AM        = "≡" // configuration
)

// Labels maps every glyph to a short label, printed by `sluice am show`.
var Labels = map[string]string{
	Sluice:    "scheduler",
	Open:      "startup",
	Close:     "shutdown",
	Worker:    "worker",
	DB:        "store",
	Connector: "connector",
	AM:        "config",
}
