package commands

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/empirion-ai/empirion/pkg/empirion/auth"
	"github.com/empirion-ai/empirion/pkg/empirion/config"
)

// newSetupCmd creates the `empirion setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that creates config.yaml: assistant
name, listen address, auth mode, and the model endpoint. The JWT signing
secret is stored in the OS keyring rather than the config file.

Examples:
  empirion setup
  empirion setup --out ./config.yaml`,
		RunE: runSetup,
	}
	cmd.Flags().String("out", "config.yaml", "where to write the configuration")
	return cmd
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg := config.Default()
	port := strconv.Itoa(cfg.WebSocket.Port)

	if err := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Assistant name").Value(&cfg.Name),
		huh.NewInput().Title("Bind address").Value(&cfg.WebSocket.Host),
		huh.NewInput().Title("Listen port").Value(&port).Validate(validatePort),
	)).Run(); err != nil {
		return err
	}
	cfg.WebSocket.Port, _ = strconv.Atoi(port)

	if err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Auth mode").
			Options(
				huh.NewOption("JWT (signed tokens)", "jwt"),
				huh.NewOption("Static (per-user token hashes)", "static"),
			).
			Value(&cfg.Auth.Mode),
	)).Run(); err != nil {
		return err
	}

	if cfg.Auth.Mode == "jwt" {
		var secret string
		if err := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("JWT signing secret").
				EchoMode(huh.EchoModePassword).
				Value(&secret).
				Validate(validateNonEmpty),
		)).Run(); err != nil {
			return err
		}
		if err := auth.StoreSecret(secret); err != nil {
			fmt.Println("Could not reach the OS keyring; keeping the secret in the config file.")
			cfg.Auth.Secret = secret
		} else {
			fmt.Println("Signing secret stored in the OS keyring.")
		}
	} else {
		var userID, token string
		if err := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("First user id").Value(&userID).Validate(validateNonEmpty),
			huh.NewInput().
				Title("Token for this user").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Validate(validateNonEmpty),
		)).Run(); err != nil {
			return err
		}
		hash, err := auth.HashToken(token)
		if err != nil {
			return err
		}
		cfg.Auth.Users = map[string]string{userID: hash}
	}

	if err := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Model API base URL (OpenAI-compatible)").Value(&cfg.Assistant.BaseURL),
		huh.NewInput().Title("Model").Value(&cfg.Assistant.Model),
		huh.NewInput().
			Title("API key (empty = set EMPIRION-style env reference later)").
			EchoMode(huh.EchoModePassword).
			Value(&cfg.Assistant.APIKey),
		huh.NewConfirm().Title("Enable voice transcription?").Value(&cfg.Voice.Enabled),
		huh.NewConfirm().Title("Enable phone actions (Termux)?").Value(&cfg.Phone.Enabled),
	)).Run(); err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("out")
	if err := cfg.Save(out); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s. Start the daemon with 'empirion serve'.\n", out)
	return nil
}

func validateNonEmpty(s string) error {
	if s == "" {
		return fmt.Errorf("value is required")
	}
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}
