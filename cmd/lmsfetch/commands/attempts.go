package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lmsfetch/internal/gradebook"
	"lmsfetch/lib/textutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const report_cli_download = "cli.download"

var attemptsFlags struct {
	all      bool
	download bool
}

func init() {
	attemptsCmd.Flags().BoolVar(&attemptsFlags.all, "all", false, "List graded attempts too.")
	attemptsCmd.Flags().BoolVar(&attemptsFlags.download, "download", false, "Download the submissions into the policy's attempt directories.")
	rootCmd.AddCommand(attemptsCmd)
}

type pendingAttempt struct {
	student    *gradebook.Student
	assignment gradebook.Assignment
	attempt    gradebook.Attempt
}

// matchAssignment reports whether filter names the assignment by id, full
// name or display name. An empty filter matches everything.
func matchAssignment(a *app, filter string, assignment gradebook.Assignment) bool {
	return filter == "" ||
		filter == assignment.ID ||
		textutil.SameName(filter, assignment.Name) ||
		textutil.SameName(filter, a.cfg.Policy.DisplayAssignment(assignment.Name))
}

// listAttempts collects attempts in grade center order, each group attempt once.
func listAttempts(a *app, ov *gradebook.Overview, students []*gradebook.Student, filter string, all bool) []pendingAttempt {
	var out []pendingAttempt
	seen := map[string]bool{}
	for _, assignment := range ov.SortedAssignments() {
		if !matchAssignment(a, filter, assignment) {
			continue
		}
		for _, s := range students {
			for _, attempt := range ov.Attempts(s, assignment.ID) {
				if !all && !attempt.NeedsGrading() {
					continue
				}
				if seen[attempt.ID()] {
					continue
				}
				seen[attempt.ID()] = true
				out = append(out, pendingAttempt{student: s, assignment: assignment, attempt: attempt})
			}
		}
	}
	return out
}

// download stores an attempt's submission text, comments, feedback and files.
func download(ctx context.Context, a *app, course string, p pendingAttempt) (string, error) {
	details, err := gradebook.FetchAttempt(ctx, a.session, course, p.attempt.ID(), p.assignment.Group, a.tel)
	if err != nil {
		return "", err
	}

	dir := a.cfg.Policy.AttemptDirectory(p.assignment, p.attempt)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	if details.Submission != "" {
		fmt.Fprintf(&text, "%s\n", details.Submission)
	}
	if details.Comments != "" {
		fmt.Fprintf(&text, "\n## Comments\n\n%s\n", details.Comments)
	}
	if text.Len() > 0 {
		err = os.WriteFile(filepath.Join(dir, "submission.md"), []byte(text.String()), 0644)
		if err != nil {
			return "", err
		}
	}
	if details.Feedback != "" {
		err = os.WriteFile(filepath.Join(dir, "feedback.md"), []byte(details.Feedback+"\n"), 0644)
		if err != nil {
			return "", err
		}
	}

	for _, f := range details.Files {
		path := filepath.Join(dir, filepath.Base(f.Filename))
		if _, err := os.Stat(path); err == nil {
			a.tel.ReportDebug(report_cli_download, "already downloaded", path)
			continue
		}
		res, err := a.session.Get(ctx, f.DownloadLink)
		if err != nil {
			return "", err
		}
		err = os.WriteFile(path, res.Body(), 0644)
		if err != nil {
			return "", err
		}
		a.tel.ReportDebug(report_cli_download, path, len(res.Body()))
	}
	return dir, nil
}

var attemptsCmd = &cobra.Command{
	Use:   "attempts [assignment] [--all] [--download]",
	Short: "Lists the attempts that need grading.",
	Args:  cobra.MaximumNArgs(1),
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		course, err := a.course()
		if err != nil {
			return err
		}
		filter := ""
		if len(args) > 0 {
			filter = args[0]
		}

		ov, stale, err := a.overview(ctx, course, true)
		if err != nil {
			return err
		}
		a.stale(stale, ov.FetchedAt)
		students, err := a.visibleStudents(ctx, course, ov)
		if err != nil {
			return err
		}

		var rows []table.Row
		for _, p := range listAttempts(a, ov, students, filter, attemptsFlags.all) {
			dir := ""
			if attemptsFlags.download {
				dir, err = download(ctx, a, course, p)
				if err != nil {
					return err
				}
			}
			rows = append(rows, table.Row{
				a.cfg.Policy.DisplayAssignment(p.assignment.Name),
				p.student.Name(),
				p.attempt.Info.GroupName,
				p.attempt.ID(),
				a.cfg.Policy.Cell([]gradebook.Attempt{p.attempt}),
				dir,
			})
		}
		a.render(table.Row{"Assignment", "Student", "Group", "Attempt", "", "Directory"}, rows)
		return nil
	}),
}
