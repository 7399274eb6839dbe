package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/upb/llm-enforcement-gateway/auth"
	"github.com/upb/llm-enforcement-gateway/services/credential"
)

func newHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the stored hash for an override password",
		Long:  "Print the hash written to emergency_override.password_hash. Reads the password from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			fmt.Fprintln(out(cmd), credential.Hash(password))
			return nil
		},
	}
}

func newTokenCommand(opts *options) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd.Context())
			if err != nil {
				return err
			}
			if subject == "" {
				return errors.New("--subject flag is required")
			}
			if len(roles) == 0 {
				roles = []string{cfg.Auth.AdminRole}
			}
			token, err := auth.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, subject, roles, ttl, time.Now())
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Fprintln(out(cmd), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject recorded as the admin actor (required)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to grant (default the configured admin role)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
