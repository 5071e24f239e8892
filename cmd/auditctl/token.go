package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smart-health/audit-api/internal/auth"
)

var (
	tokenRoles []string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a bearer token for the audit API signed with auth.jwt_secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := auth.NewTokenIssuer(
			[]byte(viper.GetString("auth.jwt_secret")),
			viper.GetString("auth.issuer"),
			tokenTTL,
		)
		if err != nil {
			return err
		}
		tok, err := tokens.Issue(args[0], tokenRoles)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", []string{auth.RoleRead}, "Role to grant (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
}
