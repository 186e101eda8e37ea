package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// shutdownCmd 表示shutdown命令，用于关闭连接池
var shutdownCmd = &cobra.Command{
	Use:   "shutdown [alias]",
	Short: "Shut a pool down",
	Long: `Shut a pool down. New borrows are refused at once; borrowed connections
are given the pool's shutdown grace period to come back before they are closed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias := args[0]
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := GetPoolService().Shutdown(ctx, alias); err != nil {
			return fmt.Errorf("failed to shut down pool: %w", err)
		}
		fmt.Printf("Pool '%s' shut down.\n", alias)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(shutdownCmd)

	shutdownCmd.Flags().Duration("timeout", 30*time.Second, "Upper bound on the time spent waiting for borrowed connections")
}
