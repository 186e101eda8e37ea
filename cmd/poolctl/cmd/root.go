package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fyerfyer/connkeeper/internal/config"
	"github.com/fyerfyer/connkeeper/internal/poolservice"
	"github.com/fyerfyer/connkeeper/pool"
	"github.com/fyerfyer/connkeeper/pool/adapters"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	// 连接池服务实例，所有命令共享
	poolSvc *poolservice.RegistryService
	logger  = zap.NewNop()

	cfgFile string
	verbose bool

	// 是否已处于交互模式
	interactive bool
)

// rootCmd 表示CLI工具的根命令
var rootCmd = &cobra.Command{
	Use:   "poolctl",
	Short: "A CLI tool for managing connection pools",
	Long: `poolctl is a command line interface for registering and operating connection pools.
It can register pools for redis, grpc, sql, http and tcp backends, borrow and release
connections, redefine pools while they are live, and watch pool statistics.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initService()
	},
}

// Execute 运行根命令并处理任何错误
func Execute() {
	err := rootCmd.Execute()

	// 在程序结束时关闭所有连接池
	if poolSvc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if closeErr := poolSvc.Close(ctx); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Error closing pools: %v\n", closeErr)
		}
		cancel()
	}
	logger.Sync()

	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// RunE 在 init 中赋值，避免 rootCmd 与 runInteractiveMode 之间的初始化循环
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		// 没有子命令时进入交互模式
		if interactive {
			return cmd.Help()
		}
		runInteractiveMode()
		return nil
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "TOML file with pool definitions")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pool activity to stderr")
}

// initService 创建日志记录器、连接池注册表，并加载配置文件(如果有)。
// 交互模式下每条命令都会经过这里，只在第一次时初始化。
func initService() error {
	if poolSvc != nil {
		return nil
	}

	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		logger = l
	}

	var cfg *config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}

	registry := pool.NewRegistry(cfg.RegistryOptions(logger)...)
	poolSvc = poolservice.NewRegistryService(registry, adapters.Builtin(), logger)

	if len(cfg.Pools) > 0 {
		aliases, err := poolSvc.LoadConfig(cfg)
		for _, alias := range aliases {
			fmt.Printf("Pool '%s' registered from %s.\n", alias, cfgFile)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// GetPoolService 返回连接池服务实例，供子命令使用
func GetPoolService() poolservice.Service {
	return poolSvc
}

// resetFlags 把所有命令的参数恢复为默认值，交互模式下避免上一条命令的参数残留
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}
