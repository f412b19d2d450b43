package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file and workspace scaffold",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
			}

			cfg := config.DefaultConfig()
			if err := config.SaveConfig(configPath, cfg); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote config to %s\n", configPath)

			workspace := cfg.WorkspacePath()
			if err := scaffoldWorkspace(workspace); err != nil {
				return fmt.Errorf("failed to scaffold workspace: %w", err)
			}
			fmt.Printf("Workspace ready at %s\n", workspace)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Add an API key (set NANOCLAW_PROVIDERS_ANTHROPIC_API_KEY or edit the config)")
			fmt.Println("  2. Try it: nanoclaw agent -m \"hello\"")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

// scaffoldWorkspace creates the workspace layout and the bootstrap
// files the system prompt reads.
func scaffoldWorkspace(workspace string) error {
	for _, dir := range []string{workspace, filepath.Join(workspace, "sessions"), filepath.Join(workspace, "memory")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	bootstrap := map[string]string{
		"AGENTS.md": "# Agent Instructions\n\nDescribe how your agent should behave here.\n",
		"SOUL.md":   "# Personality\n\nFriendly, concise, helpful.\n",
		"USER.md":   "# About the User\n\nTell the agent about yourself here.\n",
	}
	for name, content := range bootstrap {
		path := filepath.Join(workspace, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
