package cktap

import (
	"github.com/spf13/cobra"
)

var readSlot int
var readSlotSet bool

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Challenge the card with a fresh nonce and verify its signed response",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		var slot *int
		if readSlotSet {
			slot = &readSlot
		}
		resp, err := c.Read(ctx, cvcFromEnv(), len(cvcFromEnv()) > 0, slot)
		if err != nil {
			return err
		}
		printResult(resp)
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Decrement (or, with a CVC, clear) the card's auth_delay countdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		resp, err := c.Wait(ctx, cvcFromEnv())
		if err != nil {
			return err
		}
		printResult(resp)
		return nil
	},
}

func init() {
	readCmd.Flags().IntVar(&readSlot, "slot", 0, "SatsCard slot to read (ignored for TapSigner/SatsChip)")
	readCmd.Flags().BoolVar(&readSlotSet, "slot-set", false, "pass --slot explicitly rather than letting the card use its current slot")

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(waitCmd)
}
