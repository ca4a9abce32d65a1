package main

import (
	"fmt"

	"reelay/internal/config"
	"reelay/pkg/tokens"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint or check access tokens",
	Long: `Mint a strong access token for the studio server, or check one for
corruption. The server accepts whatever string auth.token holds; minted
tokens add 128 bits of entropy and a checksum that catches typos.`,
}

var tokenNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a new access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := tokens.GenerateToken()
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}

		fmt.Println(token)
		fmt.Fprintf(cmd.ErrOrStderr(), "\nSet it as auth.token in %s, or export %s.\n", cfgFile, config.EnvToken)
		return nil
	},
}

var tokenCheckCmd = &cobra.Command{
	Use:   "check [token]",
	Short: "Check a token for corruption",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		if !tokens.IsValidTokenFormat(token) {
			return fmt.Errorf("token %s is not in the minted format", tokens.GetTokenDisplay(token))
		}
		if !tokens.ValidateToken(token) {
			return fmt.Errorf("token %s failed its checksum; re-copy it from the source", tokens.GetTokenDisplay(token))
		}

		fmt.Println("Token is intact.")
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenNewCmd)
	tokenCmd.AddCommand(tokenCheckCmd)
}
