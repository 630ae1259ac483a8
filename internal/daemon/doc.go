// Package daemon runs the migration daemon for one mount.
//
// A single reactor goroutine owns all daemon state: the private copy of the
// watermark table and the registry of running workers. Pressure batches,
// controller messages, signals, reload triggers and worker exits reach it
// over channels; each handler is short and never blocks on migration work.
// Breached branches are handed to a worker, either a re-executed process
// (the default) or a cancellable goroutine task.
package daemon
