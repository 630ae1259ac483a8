// Package main hosts aufhsmd, the migration daemon of one aufs mount.
//
// The root command serves pressure notifications for the mount until it is
// told to exit. The hidden worker subcommand runs a single migration pass
// and is started by the daemon itself when workers run as processes.
package main
