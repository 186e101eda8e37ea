package cmd

import (
	"fmt"
	"time"

	"github.com/fyerfyer/connkeeper/internal/poolservice"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// releaseCmd 表示release命令，用于归还借出的连接
var releaseCmd = &cobra.Command{
	Use:   "release [lease-id...]",
	Short: "Return borrowed connections to their pools",
	Long: `Return borrowed connections by lease id (as printed by 'acquire').
Use --all to return every borrowed connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		service := GetPoolService()

		if all {
			args = args[:0]
			for _, l := range service.Leases() {
				args = append(args, l.ID)
			}
		}
		if len(args) == 0 {
			return fmt.Errorf("no lease ids given")
		}

		var err error
		for _, id := range args {
			if releaseErr := service.Release(id); releaseErr != nil {
				err = multierr.Append(err, releaseErr)
				continue
			}
			fmt.Printf("Released %s\n", id)
		}
		return err
	},
}

// leasesCmd 表示leases命令，用于列出借出中的连接
var leasesCmd = &cobra.Command{
	Use:   "leases",
	Short: "List borrowed connections",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		leases := GetPoolService().Leases()
		if len(leases) == 0 {
			fmt.Println("No borrowed connections.")
			return
		}
		now := time.Now()
		for _, l := range leases {
			fmt.Println(poolservice.FormatLease(l, now))
		}
	},
}

func init() {
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(leasesCmd)

	releaseCmd.Flags().BoolP("all", "a", false, "Release all borrowed connections")
}
