// Package testutil holds deterministic test doubles shared by the engine,
// server, CLI and harness tests.
package testutil

// FixedCorrelation returns the same correlation token every time, so a
// scenario produces a byte-identical event log on every run.
//
// Unlike engine.FixedGenerator, which returns tokens in sequence, this
// generator never runs out. Safe for concurrent use.
type FixedCorrelation struct {
	token string
}

// NewFixedCorrelation creates a generator for token. An empty token
// becomes "test-correlation-default".
func NewFixedCorrelation(token string) *FixedCorrelation {
	if token == "" {
		token = "test-correlation-default"
	}
	return &FixedCorrelation{token: token}
}

// Generate returns the fixed token.
func (g *FixedCorrelation) Generate() string {
	return g.token
}
