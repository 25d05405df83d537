package commands

import (
	"context"
	"sort"
	"time"

	"lmsfetch/internal/gradebook"
	"lmsfetch/internal/tablecache"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(groupsCmd)
}

// groups returns the course participants by username.
func (a *app) groups(ctx context.Context, course string) (map[string]gradebook.Member, bool, error) {
	return tablecache.Fetch(ctx, a.fallback, cacheKey("groups", course),
		func(ctx context.Context) (map[string]gradebook.Member, error) {
			return gradebook.FetchGroups(ctx, a.session, course, a.tel)
		},
	)
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Prints the participants of the course and their groups.",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, _ []string) error {
		course, err := a.course()
		if err != nil {
			return err
		}
		members, stale, err := a.groups(ctx, course)
		if err != nil {
			return err
		}
		a.stale(stale, time.Time{})

		usernames := make([]string, 0, len(members))
		for username := range members {
			usernames = append(usernames, username)
		}
		sort.Strings(usernames)

		var rows []table.Row
		for _, username := range usernames {
			m := members[username]
			if !a.cfg.Policy.Visible(m.Groups) {
				continue
			}
			rows = append(rows, table.Row{
				m.Username,
				m.FirstName + " " + m.LastName,
				m.Role,
				a.cfg.Policy.DisplayGroup(m.Groups),
			})
		}
		a.render(table.Row{"Username", "Name", "Role", "Group"}, rows)
		return nil
	}),
}
