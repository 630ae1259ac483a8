// Package config loads, normalizes, and validates aufhsm configuration.
//
// It supplies defaults, expands user paths (including tilde shortcuts),
// reads TOML files, and honours the AUFHSM_LIST_DIR environment override.
// Watermark defaults are expressed as in-use percentages the way the
// command line takes them.
package config
