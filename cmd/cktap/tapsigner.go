package cktap

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cktap/card"
	"cktap/cktaperr"
)

var derivePathFlag string

var deriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Derive the TapSigner/SatsChip's key at a hardened BIP-32 path, reporting the new public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		if c.Variant != card.VariantTapSigner && c.Variant != card.VariantSatsChip {
			return fmt.Errorf("derive is only valid for TapSigner/SatsChip")
		}
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		ts := card.NewTapSigner(c, status)

		cvc := cvcFromEnv()
		if len(cvc) == 0 {
			return cktaperr.ErrNeedsAuth
		}
		path, err := parseHardenedPath(derivePathFlag)
		if err != nil {
			return err
		}
		resp, err := ts.Derive(ctx, cvc, path)
		if err != nil {
			return err
		}
		printResult(resp)
		return nil
	},
}

// parseHardenedPath parses a comma-separated list of hardened BIP-32
// indexes, e.g. "84,0,0", each taken as the index before the hardened bit
// is applied. An empty string yields an empty (root) path.
func parseHardenedPath(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	path := make([]uint32, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse --path element %q: %w", p, err)
		}
		path[i] = uint32(n) | 0x80000000
	}
	return path, nil
}

var initChainCodeHex string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision a TapSigner/SatsChip's private key from a chain code",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		if c.Variant != card.VariantTapSigner && c.Variant != card.VariantSatsChip {
			return fmt.Errorf("init is only valid for TapSigner/SatsChip")
		}
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		ts := card.NewTapSigner(c, status)

		cvc := cvcFromEnv()
		if len(cvc) == 0 {
			return cktaperr.ErrNeedsAuth
		}
		chainCode, err := hexFlag(initChainCodeHex)
		if err != nil {
			return err
		}
		if len(chainCode) == 0 {
			chainCode = make([]byte, 32)
			if _, err := rand.Read(chainCode); err != nil {
				return fmt.Errorf("generate chain code: %w", err)
			}
		}
		pubkey, err := ts.Init(ctx, cvc, chainCode)
		if err != nil {
			return err
		}
		fmt.Printf("pubkey: %x\n", pubkey)
		return nil
	},
}

var changeNewCVC string

var changeCmd = &cobra.Command{
	Use:   "change",
	Short: "Replace a TapSigner/SatsChip's CVC",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		if c.Variant != card.VariantTapSigner && c.Variant != card.VariantSatsChip {
			return fmt.Errorf("change is only valid for TapSigner/SatsChip")
		}
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		ts := card.NewTapSigner(c, status)

		oldCVC := cvcFromEnv()
		if len(oldCVC) == 0 {
			return cktaperr.ErrNeedsAuth
		}
		if changeNewCVC == "" {
			return fmt.Errorf("--new-cvc is required")
		}
		if err := ts.ChangeCVC(ctx, oldCVC, []byte(changeNewCVC)); err != nil {
			return err
		}
		fmt.Println("CVC changed")
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Retrieve a TapSigner/SatsChip's encrypted backup blob",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		if c.Variant != card.VariantTapSigner && c.Variant != card.VariantSatsChip {
			return fmt.Errorf("backup is only valid for TapSigner/SatsChip")
		}
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		ts := card.NewTapSigner(c, status)

		cvc := cvcFromEnv()
		if len(cvc) == 0 {
			return cktaperr.ErrNeedsAuth
		}
		data, err := ts.Backup(ctx, cvc)
		if err != nil {
			return err
		}
		fmt.Printf("backup: %x\n", data)
		return nil
	},
}

var signDigestHex string

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a 32-byte digest at the card's configured derivation path",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		if c.Variant != card.VariantTapSigner && c.Variant != card.VariantSatsChip {
			return fmt.Errorf("sign is only valid for TapSigner/SatsChip")
		}
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		ts := card.NewTapSigner(c, status)

		cvc := cvcFromEnv()
		if len(cvc) == 0 {
			return cktaperr.ErrNeedsAuth
		}
		digest, err := hex.DecodeString(signDigestHex)
		if err != nil {
			return fmt.Errorf("decode --digest: %w", err)
		}
		resp, err := ts.Sign(ctx, cvc, digest, nil)
		if err != nil {
			return err
		}
		printResult(resp)
		return nil
	},
}

func init() {
	deriveCmd.Flags().StringVar(&derivePathFlag, "path", "", "comma-separated hardened derivation path, e.g. 84,0,0 (at most 8 elements)")
	initCmd.Flags().StringVar(&initChainCodeHex, "chain-code", "",
		"caller-supplied chain code, hex-encoded (32 bytes; 32 random bytes are generated if omitted)")
	changeCmd.Flags().StringVar(&changeNewCVC, "new-cvc", "", "new CVC to set (6-32 bytes)")
	signCmd.Flags().StringVar(&signDigestHex, "digest", "", "32-byte digest to sign, hex-encoded")

	rootCmd.AddCommand(deriveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(changeCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(signCmd)
}
