// Package reload watches for changes that should make the daemon re-read
// its watermark table: branch hotplug seen through udev and edits to the
// configuration file. Both call a Trigger; the daemon treats it like a
// RELOAD message.
package reload

// Trigger sources.
const (
	SourceUdev   = "udev"
	SourceConfig = "config"
)

// Trigger is invoked when a reload is due. It must not block.
type Trigger func(source string)
