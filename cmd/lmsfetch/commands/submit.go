package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"lmsfetch/internal/gradebook"

	"github.com/spf13/cobra"
)

var submitFlags struct {
	feedback string
	attach   []string
	group    bool
}

func init() {
	submitCmd.Flags().StringVar(&submitFlags.feedback, "feedback", "", "A file with the feedback text.")
	submitCmd.Flags().StringSliceVar(&submitFlags.attach, "attach", nil, "Files to upload as feedback files.")
	submitCmd.Flags().BoolVar(&submitFlags.group, "group", false, "The attempt id is a group attempt id.")
	rootCmd.AddCommand(submitCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit <attempt id> <score> [--feedback <file>] [--attach <file>...] [--group]",
	Short: "Grades an attempt.",
	Args:  cobra.ExactArgs(2),
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		course, err := a.course()
		if err != nil {
			return err
		}
		score, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("score %q: %w", args[1], err)
		}

		grade := gradebook.Grade{
			AttemptID: args[0],
			Group:     submitFlags.group,
			Score:     score,
		}
		if submitFlags.feedback != "" {
			feedback, err := os.ReadFile(submitFlags.feedback)
			if err != nil {
				return err
			}
			grade.Feedback = string(feedback)
		}
		for _, path := range submitFlags.attach {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			grade.Attachments = append(grade.Attachments, gradebook.Attachment{Path: path, Data: data})
		}

		err = gradebook.SubmitGrade(ctx, a.session, course, grade, a.tel)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "graded %s: %g\n", grade.AttemptID, score)
		return nil
	}),
}
