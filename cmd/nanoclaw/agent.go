package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/extensions"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

func newAgentCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with the agent in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			setupLogging(cfg)

			provider, err := providers.CreateProvider(cfg)
			if err != nil {
				return fmt.Errorf("failed to create provider: %w", err)
			}

			exts, err := extensions.Build(cfg.Extensions.Enabled, cfg)
			if err != nil {
				return fmt.Errorf("failed to build extensions: %w", err)
			}

			loop := agent.NewAgentLoop(cfg, bus.NewMessageBus(), provider, extensions.NewManager(exts...), nil)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if message != "" {
				response, err := loop.ProcessDirect(ctx, message, "cli:direct")
				if err != nil {
					return err
				}
				fmt.Println(response)
				return nil
			}

			return runREPL(ctx, loop)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "send a single message and exit")
	return cmd
}

func runREPL(ctx context.Context, loop *agent.AgentLoop) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     os.ExpandEnv("$HOME/.nanoclaw/repl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to init readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("nanoclaw %s (model %s). Type /help for commands, exit to quit.\n", version, loop.Model())

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		response, err := loop.ProcessDirect(ctx, line, "cli:direct")
		if err != nil {
			logger.ErrorCF("cli", "Turn failed", map[string]interface{}{"error": err.Error()})
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", response)
	}
}
