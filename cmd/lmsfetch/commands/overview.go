package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"lmsfetch/internal/dwr"
	"lmsfetch/internal/gradebook"
	"lmsfetch/internal/tablecache"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var overviewFlags struct {
	noAttempts bool
}

func init() {
	overviewCmd.Flags().BoolVar(&overviewFlags.noAttempts, "no-attempts", false, "Only read the grade center, do not fetch attempts.")
	rootCmd.AddCommand(overviewCmd)
}

// overview fetches the grade center. Attempts are carried over from the
// cached copy where nothing changed and fetched for the rest.
func (a *app) overview(ctx context.Context, course string, attempts bool) (*gradebook.Overview, bool, error) {
	key := cacheKey("overview", course)

	var prev *gradebook.Overview
	_, err := a.cache.Get(ctx, key, &prev)
	if err != nil && !errors.Is(err, tablecache.ErrNotCached) {
		a.tel.ReportWarning(report_cli_cache, key, err)
	}

	return tablecache.Fetch(ctx, a.fallback, key, func(ctx context.Context) (*gradebook.Overview, error) {
		ov, err := gradebook.FetchOverview(ctx, a.session, course, a.tel)
		if err != nil {
			return nil, err
		}
		ov.CopyAttempts(prev)
		if attempts {
			err = ov.RefreshAttempts(ctx, dwr.NewClient(a.session, course, a.tel), a.tel)
			if err != nil {
				return nil, err
			}
		}
		return ov, nil
	})
}

// visibleStudents applies the policy's class filter, which needs the groups
// only when there is one.
func (a *app) visibleStudents(ctx context.Context, course string, ov *gradebook.Overview) ([]*gradebook.Student, error) {
	var members map[string]gradebook.Member
	if len(a.cfg.Policy.Classes) > 0 {
		var err error
		members, _, err = a.groups(ctx, course)
		if err != nil {
			return nil, err
		}
	}

	var out []*gradebook.Student
	for _, s := range ov.Students {
		if members != nil && !a.cfg.Policy.Visible(members[s.Username].Groups) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var overviewCmd = &cobra.Command{
	Use:   "overview [--no-attempts]",
	Short: "Prints the grade center, one row per student.",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, _ []string) error {
		course, err := a.course()
		if err != nil {
			return err
		}
		ov, stale, err := a.overview(ctx, course, !overviewFlags.noAttempts)
		if err != nil {
			return err
		}
		a.stale(stale, ov.FetchedAt)

		students, err := a.visibleStudents(ctx, course, ov)
		if err != nil {
			return err
		}
		assignments := ov.SortedAssignments()

		header := table.Row{"Name", "Username", "Group"}
		for _, assignment := range assignments {
			header = append(header, a.cfg.Policy.DisplayAssignment(assignment.Name))
		}
		var rows []table.Row
		for _, s := range students {
			row := table.Row{s.Name(), s.Username, ov.GroupName(s)}
			for _, assignment := range assignments {
				row = append(row, overviewCell(a, ov, s, assignment.ID))
			}
			rows = append(rows, row)
		}
		a.render(header, rows)
		return nil
	}),
}

func overviewCell(a *app, ov *gradebook.Overview, s *gradebook.Student, assignmentID string) string {
	cell, ok := s.Assignments[assignmentID]
	switch {
	case !ok:
		return ""
	case cell.Attempts != nil:
		return a.cfg.Policy.Cell(ov.Attempts(s, assignmentID))
	case cell.NeedsGrading:
		return "⤓"
	case cell.Score == nil:
		return ""
	default:
		return fmt.Sprint(cell.Score)
	}
}
