package policy

// Version constants for persisted records and the engine.
const (
	// SchemaVersion is the record/event layout version.
	SchemaVersion = "1"

	// EngineVersion is the flowguard engine version.
	EngineVersion = "0.1.0"
)
