package main

import (
	"fmt"
	"log"

	"reelay/internal/config"
	"reelay/internal/tui"

	"github.com/spf13/cobra"
)

var (
	tuiURL   string
	tuiToken string
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive terminal chat client",
	Long: `Launch a terminal UI that connects to the running studio server
over WebSocket. Tasks stream into the chat as they run, with tool
activity and approval prompts shown inline.

The TUI reads the server's config file (--config) to determine the port
and auth token automatically. Pass --url to point it at a remote studio.

Key bindings:
  Enter           Send task
  Alt+Enter       Insert newline
  y / n           Approve or reject a pending tool
  PageUp/PageDown Scroll chat history
  Ctrl+C          Quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		effectiveURL := tuiURL
		effectiveToken := tuiToken

		urlExplicit := cmd.Flags().Changed("url")

		// Derive connection details from the server config file
		if !urlExplicit || effectiveToken == "" {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				if !urlExplicit {
					return fmt.Errorf("could not read server config %s: %w", cfgFile, err)
				}
				log.Printf("Warning: could not read server config %s: %v (connecting without a token)", cfgFile, err)
			} else {
				// Derive the WebSocket URL from the server port if --url
				// wasn't explicitly set
				if !urlExplicit {
					effectiveURL = fmt.Sprintf("ws://localhost:%d/ws", cfg.Port)
				}
				if effectiveToken == "" {
					effectiveToken = cfg.Auth.Token
				}
			}
		}

		return tui.Run(tui.Options{
			URL:   effectiveURL,
			Token: effectiveToken,
		})
	},
}

func init() {
	tuiCmd.Flags().StringVar(&tuiURL, "url", "", "Studio WebSocket URL (default: derived from --config port)")
	tuiCmd.Flags().StringVar(&tuiToken, "token", "", "Authentication token (default: taken from --config)")
}
