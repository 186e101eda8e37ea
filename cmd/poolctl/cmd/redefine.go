package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// redefineCmd 表示redefine命令，用于修改运行中的连接池
var redefineCmd = &cobra.Command{
	Use:   "redefine [alias]",
	Short: "Change the definition of a live pool",
	Long: `Change the definition of a live pool. Only the options given are changed.
Shrinking the maximum size closes surplus idle connections at once; surplus
borrowed connections are closed when they are released.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias := args[0]

		opts, err := definitionOptions(cmd)
		if err != nil {
			return err
		}
		if len(opts) == 0 {
			return fmt.Errorf("nothing to change")
		}

		service := GetPoolService()
		if err := service.Redefine(alias, opts...); err != nil {
			return fmt.Errorf("failed to redefine pool: %w", err)
		}

		stats, err := service.Stats(alias)
		if err != nil {
			return err
		}
		fmt.Printf("Pool '%s' redefined.\n", alias)
		fmt.Printf("Size: %d/%d (minimum %d, spare target %d)\n",
			stats.Total, stats.MaximumSize, stats.MinimumSize, stats.SpareTarget)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redefineCmd)

	addDefinitionFlags(redefineCmd)
}
