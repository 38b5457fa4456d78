package cktap

import (
	"fmt"

	"github.com/spf13/cobra"

	"cktap/card"
	"cktap/cktaperr"
)

var unsealCmd = &cobra.Command{
	Use:   "unseal",
	Short: "Unseal the active SatsCard slot and reveal its private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		if c.Variant != card.VariantSatsCard {
			return fmt.Errorf("unseal is only valid for SatsCard")
		}
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		sc := card.NewSatsCard(c, status)

		cvc := cvcFromEnv()
		if len(cvc) == 0 {
			return cktaperr.ErrNeedsAuth
		}
		resp, err := sc.Unseal(ctx, cvc)
		if err != nil {
			return err
		}
		printResult(resp)
		return nil
	},
}

var newSlotChainCodeHex string

var newSlotCmd = &cobra.Command{
	Use:   "new-slot",
	Short: "Retire the active SatsCard slot and advance to the next sealed slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		if c.Variant != card.VariantSatsCard {
			return fmt.Errorf("new-slot is only valid for SatsCard")
		}
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		sc := card.NewSatsCard(c, status)

		cvc := cvcFromEnv()
		if len(cvc) == 0 {
			return cktaperr.ErrNeedsAuth
		}
		chainCode, err := hexFlag(newSlotChainCodeHex)
		if err != nil {
			return err
		}
		if err := sc.NewSlot(ctx, cvc, chainCode); err != nil {
			return err
		}
		fmt.Printf("new active slot: %d\n", sc.ActiveSlot)
		return nil
	},
}

var dumpSlot int

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Report one SatsCard slot's public metadata, and its key if unsealed and authenticated",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		if c.Variant != card.VariantSatsCard {
			return fmt.Errorf("dump is only valid for SatsCard")
		}
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		sc := card.NewSatsCard(c, status)

		resp, err := sc.Dump(ctx, dumpSlot, cvcFromEnv())
		if err != nil {
			return err
		}
		printResult(resp)
		return nil
	},
}

var satsCardDeriveCmd = &cobra.Command{
	Use:   "derive-proof",
	Short: "Prove the SatsCard's master pubkey and chain code match its current payment address",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		if c.Variant != card.VariantSatsCard {
			return fmt.Errorf("derive is only valid for SatsCard")
		}
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		sc := card.NewSatsCard(c, status)

		resp, err := sc.Derive(ctx)
		if err != nil {
			return err
		}
		printResult(resp)
		return nil
	},
}

func init() {
	newSlotCmd.Flags().StringVar(&newSlotChainCodeHex, "chain-code", "",
		"caller-supplied chain code for the new slot, hex-encoded")
	dumpCmd.Flags().IntVar(&dumpSlot, "slot", 0, "slot index to dump")

	rootCmd.AddCommand(unsealCmd)
	rootCmd.AddCommand(newSlotCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(satsCardDeriveCmd)
}
