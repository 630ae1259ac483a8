// Package logging assembles the structured slog loggers used by the
// controller, the daemon and its workers.
//
// It owns the console and JSON handlers, routes output to stdout, stderr,
// files or syslog, and exposes attribute helpers and standard field keys so
// every component logs branch ids, pass ids and worker pids the same way.
// A no-op logger is provided for tests and wiring code that cannot fail.
package logging
