package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		if err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite).Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping the existing config.")
			return nil
		}
	}

	cfg := config.Default()

	var (
		driver     = cfg.Store.Driver
		port       = strconv.Itoa(cfg.Gateway.Port)
		discordOn  bool
		telegramOn bool
		webchatOn  = true
		agentID    string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Storage backend").
				Description("SQLite needs no setup; Postgres needs CHATRELAY_PG_DSN and migrations.").
				Options(
					huh.NewOption("SQLite (single file, zero setup)", "sqlite"),
					huh.NewOption("Postgres (managed deployments)", "postgres"),
				).
				Value(&driver),
			huh.NewInput().
				Title("Gateway port").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("port must be 1-65535")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Discord?").
				Description("Requires CHATRELAY_DISCORD_TOKEN in the environment.").
				Value(&discordOn),
			huh.NewConfirm().
				Title("Enable Telegram?").
				Description("Requires CHATRELAY_TELEGRAM_TOKEN in the environment.").
				Value(&telegramOn),
			huh.NewConfirm().
				Title("Enable the webchat websocket surface?").
				Value(&webchatOn),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Default agent id").
				Description("Leave empty to use \"default\".").
				Value(&agentID),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Store.Driver = driver
	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Channels.Discord.Enabled = discordOn
	cfg.Channels.Telegram.Enabled = telegramOn
	cfg.Channels.Webchat.Enabled = webchatOn
	if agentID != "" {
		cfg.Bindings = []config.Binding{
			{Channel: "discord", AgentID: agentID, Activation: "MENTION"},
			{Channel: "telegram", AgentID: agentID, Activation: "DM"},
			{Channel: "webchat", AgentID: agentID, Activation: "ALWAYS"},
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s\n\n", cfgPath)
	fmt.Println("Secrets are read from the environment, never from the file:")
	fmt.Println("  export ANTHROPIC_API_KEY=sk-ant-...")
	if driver == "postgres" {
		fmt.Println("  export CHATRELAY_PG_DSN=postgres://...")
		fmt.Println("\nThen run the migrations:  chatrelay migrate up")
	}
	if discordOn {
		fmt.Println("  export CHATRELAY_DISCORD_TOKEN=...")
	}
	if telegramOn {
		fmt.Println("  export CHATRELAY_TELEGRAM_TOKEN=...")
	}
	fmt.Println("\nStart the gateway:  chatrelay")
	return nil
}
