package cktap

import (
	"fmt"

	"github.com/spf13/cobra"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Verify the card's certificate chain back to a factory root key",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		root, err := c.CheckCertificate(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("genuine, signed by root %v\n", root)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(certsCmd)
}
