package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
)

// interactiveCmd 表示交互式命令，用于启动一个REPL
var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start an interactive session",
	Long: `Start an interactive session with poolctl.
Commands can be entered directly at the prompt; pools live for the whole session.
Type 'exit' or 'quit' to exit, or press Ctrl+C.`,
	Aliases: []string{"i", "shell"},
	Run: func(cmd *cobra.Command, args []string) {
		if interactive {
			fmt.Println("Already in interactive mode.")
			return
		}
		runInteractiveMode()
	},
}

func init() {
	rootCmd.AddCommand(interactiveCmd)
}

// 当前是否有命令在执行，执行中的 Ctrl+C 交给命令自己处理(如 monitor)
var commandRunning atomic.Bool

func runInteractiveMode() {
	interactive = true
	defer func() { interactive = false }()

	fmt.Println("Pool CLI Interactive Mode")
	fmt.Println("Type 'help' for available commands or 'exit' to quit")

	// 设置信号处理，捕获Ctrl+C
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// 创建一个channel，用于通知主循环何时退出
	doneChan := make(chan struct{})

	go func() {
		for range sigChan {
			if commandRunning.Load() {
				continue
			}
			fmt.Println("\nReceived interrupt signal, exiting...")
			close(doneChan)
			return
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)

	for {
		// 检查是否应该退出
		select {
		case <-doneChan:
			return
		default:
		}

		fmt.Print("> ")

		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if input == "exit" || input == "quit" {
			fmt.Println("Exiting...")
			return
		}

		executeCommand(rootCmd, input)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
	}
}

func executeCommand(root *cobra.Command, input string) {
	// 使用shellwords解析命令行参数
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing command: %v\n", err)
		return
	}

	if len(args) == 0 {
		return
	}

	// 上一条命令设置的参数不能带到这一条
	resetFlags(root)
	root.SetArgs(args)

	// 如果遇到错误，捕获错误而不是退出程序
	root.SilenceErrors = true
	root.SilenceUsage = true

	commandRunning.Store(true)
	err = root.Execute()
	commandRunning.Store(false)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}
