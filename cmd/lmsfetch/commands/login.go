package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Logs in (if needed) and saves the session cookies.",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, _ []string) error {
		res, err := a.session.EnsureLoggedIn(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "logged in, %s (%d requests)\n", res.URL(), len(res.History())+1)
		return nil
	}),
}
