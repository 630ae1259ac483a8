// Package main hosts the aufhsm controller CLI.
//
// The root command writes watermark assignments into the per-mount store,
// prints the resulting table, notifies a running aufhsmd and launches one
// when the mount has none. Subcommands inspect migration history and
// candidate lists and scaffold configuration.
package main
