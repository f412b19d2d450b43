package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and workspace status",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			workspace := cfg.WorkspacePath()

			fmt.Printf("nanoclaw %s\n\n", version)
			fmt.Printf("Config:    %s\n", configPath)
			fmt.Printf("Workspace: %s\n", workspace)
			fmt.Printf("Model:     %s\n", cfg.Agents.Defaults.Model)

			fmt.Printf("\nChannels:\n")
			printChannelStatus("telegram", cfg.Channels.Telegram.Enabled)
			printChannelStatus("discord", cfg.Channels.Discord.Enabled)
			printChannelStatus("slack", cfg.Channels.Slack.Enabled)
			printChannelStatus("whatsapp", cfg.Channels.WhatsApp.Enabled)

			sessionsDir := filepath.Join(workspace, "sessions")
			entries, err := os.ReadDir(sessionsDir)
			if err != nil {
				fmt.Printf("\nSessions:  none\n")
				return
			}
			count := 0
			for _, e := range entries {
				if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
					count++
				}
			}
			fmt.Printf("\nSessions:  %d\n", count)
		},
	}
}

func printChannelStatus(name string, enabled bool) {
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("  %-9s %s\n", name, state)
}
