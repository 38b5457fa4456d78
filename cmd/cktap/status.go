package cktap

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to a card and print its status and variant",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, t, err := openCard(ctx)
		if err != nil {
			return err
		}
		defer t.Close()

		fmt.Printf("variant: %s\n", c.Variant)
		printResult(c)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
