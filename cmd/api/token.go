package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"valuechain/api/internal/auth"
	"valuechain/api/internal/rbac"
)

type tokenOptions struct {
	Subject  string
	Name     string
	TenantID string
	Role     string
	TTL      time.Duration
}

// NewTokenCommand mints a bearer token signed with the configured secret, for local use.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(opts.Subject) == "" || strings.TrimSpace(opts.TenantID) == "" {
				return fmt.Errorf("--sub and --tenant are required")
			}
			role := rbac.Normalize(opts.Role)
			if string(role) != opts.Role {
				return fmt.Errorf("unknown role %q", opts.Role)
			}
			ttl := opts.TTL
			if ttl <= 0 {
				ttl = cfg.AccessTTL
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: opts.Subject, Issuer: cfg.JWTIssuer},
				Name:             opts.Name,
				Role:             string(role),
				TenantID:         opts.TenantID,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Subject, "sub", "", "user id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant (association) id")
	cmd.Flags().StringVar(&opts.Role, "role", string(rbac.RoleMember), "viewer|member|manager|admin")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (defaults to the configured access TTL)")
	return cmd
}
