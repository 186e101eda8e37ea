package cmd

import (
	"fmt"
	"strings"

	"github.com/fyerfyer/connkeeper/internal/poolservice"
	"github.com/fyerfyer/connkeeper/pool"
	"github.com/fyerfyer/connkeeper/pool/adapters"
	"github.com/spf13/cobra"
)

// registerCmd 表示register命令，用于注册新连接池
var registerCmd = &cobra.Command{
	Use:   "register [alias]",
	Short: "Register a new connection pool",
	Long: `Register a new connection pool for one of the built-in drivers.
Unset options keep their defaults (maximum 15, throttle 10, lifetime 4h).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias := args[0]
		driver, _ := cmd.Flags().GetString("driver")

		opts, err := definitionOptions(cmd)
		if err != nil {
			return err
		}

		service := GetPoolService()
		if err := service.Register(alias, driver, opts...); err != nil {
			return fmt.Errorf("failed to register pool: %w", err)
		}

		stats, err := service.Stats(alias)
		if err != nil {
			return err
		}
		fmt.Printf("Pool '%s' registered successfully.\n", alias)
		fmt.Printf("Driver: %s\n", driver)
		fmt.Printf("Size: minimum %d, maximum %d, spare target %d\n",
			stats.MinimumSize, stats.MaximumSize, stats.SpareTarget)
		return nil
	},
}

// addDefinitionFlags 添加连接池定义相关的参数
func addDefinitionFlags(c *cobra.Command) {
	c.Flags().StringP("target", "t", "", "Address or DSN passed to the driver")
	c.Flags().String("params", "", "Driver parameters as key=value,key2=value2")
	c.Flags().Int("min", 0, "Minimum number of connections")
	c.Flags().Int("max", 0, "Maximum number of connections")
	c.Flags().Int("spare", 0, "Number of available connections to keep ready")
	c.Flags().Int("throttle", 0, "Maximum number of connections built at the same time")
	c.Flags().Duration("lifetime", 0, "Maximum connection lifetime (0 for unlimited)")
	c.Flags().Duration("grace", 0, "How long shutdown waits for borrowed connections")
	c.Flags().Bool("test-on-borrow", false, "Check connections before lending them")
	c.Flags().Bool("test-on-return", false, "Check connections when they are returned")
	c.Flags().Float64("build-rate", 0, "Maximum connection builds per second (0 for unlimited)")
	c.Flags().Int("build-burst", 1, "Burst size for the build rate limit")
	c.Flags().Duration("build-window", 0, "Sliding window for the build count limit (0 for unlimited)")
	c.Flags().Int("build-window-max", 0, "Maximum connection builds within one build window")
	c.Flags().String("fatal", "", "Comma separated error message substrings that mark a connection as broken")
}

// definitionOptions 只为显式设置过的参数生成选项
func definitionOptions(c *cobra.Command) ([]pool.Option, error) {
	flags := c.Flags()
	var opts []pool.Option

	if flags.Changed("target") {
		v, _ := flags.GetString("target")
		opts = append(opts, pool.WithTarget(v))
	}
	if flags.Changed("params") {
		v, _ := flags.GetString("params")
		params, err := poolservice.ParseParams(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pool.WithParams(params))
	}
	intOpts := map[string]func(int) pool.Option{
		"min":      pool.WithMinimumSize,
		"max":      pool.WithMaximumSize,
		"spare":    pool.WithSpareTarget,
		"throttle": pool.WithSimultaneousBuildThrottle,
	}
	for name, fn := range intOpts {
		if flags.Changed(name) {
			v, _ := flags.GetInt(name)
			opts = append(opts, fn(v))
		}
	}
	if flags.Changed("lifetime") {
		v, _ := flags.GetDuration("lifetime")
		opts = append(opts, pool.WithMaximumConnectionLifetime(v))
	}
	if flags.Changed("grace") {
		v, _ := flags.GetDuration("grace")
		opts = append(opts, pool.WithShutdownGrace(v))
	}
	if flags.Changed("test-on-borrow") {
		v, _ := flags.GetBool("test-on-borrow")
		opts = append(opts, pool.WithTestOnBorrow(v))
	}
	if flags.Changed("test-on-return") {
		v, _ := flags.GetBool("test-on-return")
		opts = append(opts, pool.WithTestOnReturn(v))
	}
	if flags.Changed("build-rate") || flags.Changed("build-burst") {
		rate, _ := flags.GetFloat64("build-rate")
		burst, _ := flags.GetInt("build-burst")
		opts = append(opts, pool.WithBuildRateLimit(rate, burst))
	}
	if flags.Changed("build-window") || flags.Changed("build-window-max") {
		window, _ := flags.GetDuration("build-window")
		limit, _ := flags.GetInt("build-window-max")
		opts = append(opts, pool.WithBuildWindow(window, limit))
	}
	if flags.Changed("fatal") {
		v, _ := flags.GetString("fatal")
		var rules []pool.FatalRule
		for _, substr := range strings.Split(v, ",") {
			if substr = strings.TrimSpace(substr); substr != "" {
				rules = append(rules, pool.MessageRule(substr))
			}
		}
		opts = append(opts, pool.WithFatalRules(rules...))
	}
	return opts, nil
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().StringP("driver", "d", "tcp", "Driver: "+strings.Join(adapters.Drivers(), ", "))
	addDefinitionFlags(registerCmd)
}
