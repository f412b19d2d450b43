package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/channels"
	"github.com/nanoclaw/nanoclaw/pkg/cron"
	"github.com/nanoclaw/nanoclaw/pkg/extensions"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the chat gateway (channels + agent loop)",
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

			messageBus := bus.NewMessageBus()
			workspace := cfg.WorkspacePath()

			// Cron jobs re-enter the agent as system messages so the
			// reminder text flows through the normal turn pipeline.
			cronPath := filepath.Join(workspace, "cron", "jobs.json")
			cronService := cron.NewService(cronPath, func(job cron.Job) {
				messageBus.PublishInbound(bus.InboundMessage{
					Channel:    "system",
					SenderID:   "cron:" + job.ID,
					ChatID:     job.Channel + ":" + job.ChatID,
					Content:    job.Message,
					SessionKey: "system:cron:" + job.ID,
				})
			})

			loop := agent.NewAgentLoop(cfg, messageBus, provider, extensions.NewManager(exts...), cronService)
			manager := channels.NewManager(cfg, messageBus, workspace)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := manager.StartAll(ctx); err != nil {
				return fmt.Errorf("failed to start channels: %w", err)
			}

			go cronService.Run(ctx)

			logger.InfoCF("gateway", "Gateway running", map[string]interface{}{
				"channels": manager.Names(),
				"model":    loop.Model(),
			})

			err = loop.Run(ctx)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			manager.StopAll(stopCtx)

			logger.InfoC("gateway", "Gateway stopped")
			return err
		},
	}
}
