package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

var errNoPassword = errors.New("a password is required: pass --password or set ECHOHUB_PASSWORD")

func passwordFrom(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv("ECHOHUB_PASSWORD"); env != "" {
		return env, nil
	}
	return "", errNoPassword
}

func (a *app) userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	var password, displayName string
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a user account usable from IRC and the hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := passwordFrom(password)
			if err != nil {
				return err
			}
			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			profile, err := store.CreateUser(cmd.Context(), args[0], pw, displayName)
			if err != nil {
				return err
			}
			a.printf("created user %s (%s)\n", profile.Username, profile.ID)
			return nil
		},
	}
	create.Flags().StringVar(&password, "password", "", "Account password")
	create.Flags().StringVar(&displayName, "display-name", "", "Display name")

	var newPassword string
	passwd := &cobra.Command{
		Use:   "passwd <username>",
		Short: "Reset a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := passwordFrom(newPassword)
			if err != nil {
				return err
			}
			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			if err := store.SetPassword(cmd.Context(), args[0], pw); err != nil {
				return err
			}
			a.printf("password updated for %s\n", args[0])
			return nil
		},
	}
	passwd.Flags().StringVar(&newPassword, "password", "", "New password")

	cmd.AddCommand(create, passwd)
	return cmd
}
