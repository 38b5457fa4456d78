// Package config holds the small set of process-wide knobs the CLI layer
// populates and passes into the core packages. It has no file format of
// its own and nothing here is persisted between invocations.
package config

import "time"

// Config carries the options a single command invocation needs.
type Config struct {
	// ReaderIndex is filled from --reader. Nothing reads it: discovery
	// always opens the first Coinkite-looking CCID device, whatever its value.
	ReaderIndex int
	// Timeout is filled from --timeout. Nothing reads it: the USB transport
	// bounds every bulk transfer with its fixed usb.DefaultTimeout (5s).
	Timeout time.Duration
	// EmulatorAddr, if non-empty, routes the session through the
	// transport/emulator package instead of real hardware.
	EmulatorAddr string
	// JSON is filled from --json. Neither the CLI layer nor the core
	// packages read it; output is always printed with %+v formatting.
	JSON bool
}

// Default returns the configuration used when no flags override it.
func Default() Config {
	return Config{ReaderIndex: -1, Timeout: 5 * time.Second}
}
