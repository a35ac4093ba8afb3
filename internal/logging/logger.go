// Package logging provides the appliance's structured logging contract: one
// zerolog.Logger per component, emitting the ts/level/component/site/host/
// incident_id/tier field set described in the observability section of the
// specification.
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	level  = zerolog.InfoLevel
	output = os.Stderr
)

func base() zerolog.Logger {
	once.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		zerolog.TimestampFieldName = "ts"
	})
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// For returns a logger scoped to the given component name, matching the
// teacher's one-package-one-prefix convention (log.Printf("[healing] ..."))
// but as a structured field instead of a string prefix.
func For(component string) zerolog.Logger {
	return base().With().Str("component", component).Logger()
}

// SetLevel sets the minimum level that For applies to loggers it creates
// after the call. Loggers created earlier, including the package-level
// ones, keep the level in force when they were created.
func SetLevel(l zerolog.Level) {
	level = l
}

// WithIncident returns a derived logger carrying the site/host/incident_id/
// tier fields that every healing-path log line in the specification requires.
func WithIncident(l zerolog.Logger, siteID, hostID, incidentID, tier string) zerolog.Logger {
	return l.With().
		Str("site", siteID).
		Str("host", hostID).
		Str("incident_id", incidentID).
		Str("tier", tier).
		Logger()
}
