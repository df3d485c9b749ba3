package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/platformbuilds/mirador-session/internal/api/middleware"
	"github.com/platformbuilds/mirador-session/internal/config"
)

// newTokenCommand signs a management API token with the configured secret.
func newTokenCommand() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a management API token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("no JWT secret configured (set JWT_SECRET or auth.jwt_secret)")
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{
				ID:       uuid.NewString(),
				Issuer:   config.ServiceName,
				IssuedAt: jwt.NewNumericDate(now),
			}
			if ttl > 0 {
				claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
			}
			token, err := middleware.IssueToken(cfg.Auth.JWTSecret, subject, roles, claims)
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{config.DefaultAdminRole}, "roles carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime; 0 never expires")
	return cmd
}
