package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyerfyer/connkeeper/pool"
	"github.com/spf13/cobra"
)

// acquireCmd 表示acquire命令，用于从连接池借出连接
var acquireCmd = &cobra.Command{
	Use:   "acquire [alias]",
	Short: "Borrow connections from a pool",
	Long: `Borrow one or more connections from a pool.
Borrowed connections stay active until they are released with 'release'.`,
	Aliases: []string{"borrow"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias := args[0]
		count, _ := cmd.Flags().GetInt("count")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		service := GetPoolService()
		for i := 0; i < count; i++ {
			lease, err := service.Acquire(ctx, alias)
			if err != nil {
				if pool.Retryable(err) {
					return fmt.Errorf("failed to acquire connection (retry later): %w", err)
				}
				if errors.Is(err, pool.ErrCapacityExceeded) {
					return fmt.Errorf("pool '%s' is at capacity: %w", alias, err)
				}
				return fmt.Errorf("failed to acquire connection: %w", err)
			}
			fmt.Printf("Acquired %s\n", lease.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(acquireCmd)

	acquireCmd.Flags().IntP("count", "n", 1, "Number of connections to borrow")
	acquireCmd.Flags().Duration("timeout", 10*time.Second, "Timeout for building a connection")
}
