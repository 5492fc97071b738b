/*
Package log provides structured logging for Strata using zerolog.

The package wraps zerolog behind a small global logger with
component-scoped child loggers. Components obtain their logger once at
construction:

	logger := log.WithComponent("syncer")
	logger.Info().Uint16("partition", uint16(p)).Msg("Sync round complete")

Console output is the default; JSON output is enabled in configuration
for machine ingestion. Levels follow zerolog semantics (debug, info,
warn, error).
*/
package log
