package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// monitorCmd 表示monitor命令，用于实时监控连接池状态
var monitorCmd = &cobra.Command{
	Use:   "monitor [alias]",
	Short: "Monitor pool activity in real-time",
	Long: `Watch pool statistics update in real-time.
Press Ctrl+C to stop monitoring.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias := args[0]

		interval, _ := cmd.Flags().GetInt("interval")
		refreshDuration := time.Duration(interval) * time.Millisecond

		service := GetPoolService()

		// 检查连接池是否存在
		if _, err := service.Stats(alias); err != nil {
			return fmt.Errorf("pool '%s' not found", alias)
		}

		// 设置信号处理，捕获Ctrl+C
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		fmt.Printf("Monitoring pool '%s' (refresh: %v, press Ctrl+C to stop)...\n\n",
			alias, refreshDuration)

		// 记录前一次的统计信息，用于计算变化率
		var prevStats struct {
			Served  int64
			Expired int64
			Time    time.Time
		}
		prevStats.Time = time.Now()

		ticker := time.NewTicker(refreshDuration)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats, err := service.Stats(alias)
				if err != nil {
					return fmt.Errorf("failed to get pool statistics: %w", err)
				}

				// 计算每秒操作率
				now := time.Now()
				elapsed := now.Sub(prevStats.Time).Seconds()
				serveRate := float64(stats.Served-prevStats.Served) / elapsed
				expireRate := float64(stats.Expired-prevStats.Expired) / elapsed

				fmt.Print("\033[H\033[2J") // 清屏，移动光标到左上角

				fmt.Printf("Time: %s\n\n", now.Format("15:04:05"))

				fmt.Printf("Pool: %s\n", alias)
				fmt.Printf("Size: %d/%d", stats.Total, stats.MaximumSize)
				if stats.MaximumSize > 0 {
					fmt.Printf(" (%.1f%% used)", float64(stats.Total)*100/float64(stats.MaximumSize))
				}
				fmt.Println()

				fmt.Printf("Connections: %d active, %d available, %d building\n",
					stats.Active, stats.Available, stats.BeingBuilt)
				fmt.Printf("Operations: %d served, %d refused\n", stats.Served, stats.Refused)
				fmt.Printf("Rate: %.2f served/s, %.2f expired/s\n", serveRate, expireRate)

				if stats.BuildFailures > 0 {
					fmt.Printf("Build failures: %d\n", stats.BuildFailures)
				}
				if stats.FatalErrors > 0 {
					fmt.Printf("Fatal errors: %d\n", stats.FatalErrors)
				}

				prevStats.Served = stats.Served
				prevStats.Expired = stats.Expired
				prevStats.Time = now

			case <-sigChan:
				fmt.Println("\nMonitoring stopped.")
				return nil
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().IntP("interval", "i", 1000, "Refresh interval in milliseconds")
}
