// Package cktap is the thin cobra-based command-line front end over the
// protocol core. It owns flag parsing, device selection, and
// output-shaping; every protocol decision is made in the card/auth/cert
// packages it calls into.
package cktap

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cktap/card"
	"cktap/cktaperr"
	"cktap/config"
	"cktap/discovery"
	"cktap/transport"
	"cktap/transport/emulator"
)

var (
	version = "0.1.0"

	readerIndex  int
	timeoutSecs  int
	emulatorAddr string
	outputJSON   bool
)

var rootCmd = &cobra.Command{
	Use:     "cktap",
	Short:   "Coinkite TapSigner/SatsCard/SatsChip command-line driver",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&readerIndex, "reader", "r", -1,
		"reader index (not used: the first Coinkite-looking CCID device is always selected)")
	rootCmd.PersistentFlags().IntVar(&timeoutSecs, "timeout", 5,
		"USB transport timeout in seconds (not used: bulk transfers always use a 5s timeout)")
	rootCmd.PersistentFlags().StringVar(&emulatorAddr, "emulator", "",
		"connect to a card emulator at this address instead of real hardware")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false,
		"output in JSON format (not used: output is always printed with %+v formatting)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(cktaperr.ExitCode(err))
	}
}

// cfg builds a config.Config from the parsed flags.
func cfg() config.Config {
	c := config.Default()
	c.ReaderIndex = readerIndex
	c.Timeout = time.Duration(timeoutSecs) * time.Second
	c.EmulatorAddr = emulatorAddr
	c.JSON = outputJSON
	return c
}

// openCard connects to a reader (or the emulator) and opens the card
// present in it.
func openCard(ctx context.Context) (*card.Card, transport.Transport, error) {
	c := cfg()
	log := slog.Default()

	var t transport.Transport
	if c.EmulatorAddr != "" {
		conn, err := emulator.Dial(c.EmulatorAddr, log)
		if err != nil {
			return nil, nil, err
		}
		t = conn
	} else {
		dev, err := discovery.FindFirst(log)
		if err != nil {
			return nil, nil, err
		}
		t = dev
	}

	crd, err := card.Open(ctx, t, log)
	if err != nil {
		t.Close()
		return nil, nil, err
	}
	return crd, t, nil
}

// cvcFromEnv reads the CVC/PIN the card command needs from CKTAP_CVC; the
// CLI layer is the only place this module reads an environment variable,
// and env-var/TTY prompting details beyond this single lookup are an
// external collaborator's concern.
func cvcFromEnv() []byte {
	return []byte(os.Getenv("CKTAP_CVC"))
}

func printResult(v any) {
	fmt.Printf("%+v\n", v)
}

// hexFlag decodes an optional hex-encoded flag value, returning nil for an
// empty string so callers can tell "not supplied" from "supplied empty".
func hexFlag(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex flag: %w", err)
	}
	return b, nil
}
