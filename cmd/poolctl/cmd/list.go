package cmd

import (
	"fmt"
	"strings"

	"github.com/fyerfyer/connkeeper/internal/poolservice"
	"github.com/fyerfyer/connkeeper/pool/adapters"
	"github.com/spf13/cobra"
)

// listCmd 表示list命令，用于列出所有连接池
var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List all pools",
	Long:    `Display a list of all registered pools with a summary of their state.`,
	Aliases: []string{"ls"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		snaps := GetPoolService().List()

		if asJSON {
			data, err := poolservice.SerializeSnapshots(snaps)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(snaps) == 0 {
			fmt.Println("No pools registered.")
			fmt.Printf("Available drivers: %s\n", strings.Join(adapters.Drivers(), ", "))
			return nil
		}
		for _, s := range snaps {
			fmt.Println(poolservice.FormatSnapshotLine(s))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().Bool("json", false, "Print pools as JSON")
}
