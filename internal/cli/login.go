package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omochice/dmsync/internal/api"
)

func newLoginCmd(a *app) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print an access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := api.New(a.cfg.Server.APIURL, "").Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			a.log.Debug().Str("user", res.User.Username).Msg("logged in")
			_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Token)
			return err
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Account username")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func newUsersCmd(a *app) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "users",
		Short: "List registered users and their status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			users, err := api.New(a.cfg.Server.APIURL, token).ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderUsers(users, newStyles()))
			return err
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Access token")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}
