package logging

// Standardized attribute keys shared across subsystems.
const (
	FieldComponent = "component"
	FieldEventType = "event_type"
	FieldErrorHint = "error_hint"
	FieldJobID     = "job_id"
	FieldProvider  = "provider"
	FieldBackend   = "backend"
	FieldLanguage  = "language"
	FieldPath      = "path"
	FieldPhase     = "phase"
)
