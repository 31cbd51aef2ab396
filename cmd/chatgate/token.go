package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xela07ax/chatgate/internal/infra/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		keyPath string
		user    string
		scopes  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an RS256 operator token for the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read private key: %w", err)
			}
			key, err := auth.ParseRSAPrivateKey(data)
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(key, user, scopes, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "PEM-encoded RSA private key")
	cmd.Flags().StringVar(&user, "user", "operator", "user id written into the token")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeAdmin}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
