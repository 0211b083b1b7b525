package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nuclearlighters/workspace-manager/internal/auth"
	"github.com/nuclearlighters/workspace-manager/internal/config"
)

var (
	tokenSubject string
	tokenEmail   string
	tokenTTL     time.Duration
)

// tokenCmd mints a bearer token signed with WSM_JWT_SECRET, for local use
// against a server running with the same secret.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if len(cfg.JWTSecret) < 16 {
			return fmt.Errorf("WSM_JWT_SECRET must be at least 16 characters")
		}
		subject := tokenSubject
		if subject == "" {
			subject = tokenEmail
		}
		token, expires, err := auth.NewJWTService(cfg.JWTSecret).GenerateToken(subject, tokenEmail, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "user email (required)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "user subject ID (defaults to the email)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("email")
}
