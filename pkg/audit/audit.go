// Package audit records supervisor lifecycle events as structured
// zerolog entries.
package audit

import "github.com/rs/zerolog"

// Logger implements api.AuditLogger over a zerolog.Logger.
type Logger struct {
	log zerolog.Logger
}

// New returns a Logger writing through log, tagged with a "component":
// "audit" field so lifecycle events can be filtered independently of
// the rest of an instance's logs.
func New(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("component", "audit").Logger()}
}

// LogEvent records event with the given fields at info level. Each
// field is attached as its own top-level zerolog field so structured
// log processors can index them without parsing a message string.
func (l *Logger) LogEvent(event string, fields map[string]any) {
	ev := l.log.Info().Str("event", event)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(event)
}
