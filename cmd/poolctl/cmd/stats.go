package cmd

import (
	"fmt"

	"github.com/fyerfyer/connkeeper/internal/poolservice"
	"github.com/fyerfyer/connkeeper/pool"
	"github.com/spf13/cobra"
)

// statsCmd 表示stats命令，用于显示连接池统计信息
var statsCmd = &cobra.Command{
	Use:   "stats [alias]",
	Short: "Show pool statistics",
	Long:  `Display detailed statistics about a specific pool.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias := args[0]
		asJSON, _ := cmd.Flags().GetBool("json")

		stats, err := GetPoolService().Stats(alias)
		if err != nil {
			return fmt.Errorf("failed to get pool statistics: %w", err)
		}

		if asJSON {
			data, err := poolservice.SerializeSnapshots([]pool.Snapshot{stats})
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Print(poolservice.FormatSnapshot(stats))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Bool("json", false, "Print statistics as JSON")
}
