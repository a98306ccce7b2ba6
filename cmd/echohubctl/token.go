package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/huebyte/echohub/hub"
)

func (a *app) tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Issue a hub access token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := a.v.GetString("jwt.secret")
			if secret == "" {
				return errors.New("JWT_SECRET is required to issue tokens")
			}
			tokens, err := hub.NewTokenValidator(secret, a.v.GetString("jwt.issuer"), a.v.GetString("jwt.audience"))
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = a.v.GetDuration("token.ttl")
			}

			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			profile, err := store.GetUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			token, err := tokens.Issue(profile.ID, profile.Username, ttl)
			if err != nil {
				return err
			}
			a.printf("%s\n", token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
