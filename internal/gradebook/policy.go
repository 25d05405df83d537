package gradebook

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Policy decides how a course is presented: which students are shown, how
// groups and assignments are named and where attempts are downloaded to.
// The zero value shows every student under their first group's name.
type Policy struct {
	// Classes are the group names whose members are visible, empty shows everyone.
	Classes []string `json:"classes"`
	// GroupPattern, when set, must fully match a group name for it to be
	// displayed, the display name is GroupReplace with submatches expanded.
	GroupPattern string `json:"group_pattern"`
	GroupReplace string `json:"group_replace"`
	// AssignmentPattern and AssignmentReplace shorten assignment names the same way.
	AssignmentPattern string `json:"assignment_pattern"`
	AssignmentReplace string `json:"assignment_replace"`
	// AttemptDirectoryTemplate is a template with {assignment}, {class}, {group} and {id}
	// placeholders, empty uses "<assignment>/<group> (<attempt id>)".
	AttemptDirectoryTemplate string `json:"attempt_directory"`
}

// fullMatch compiles pattern so it only matches whole strings.
func fullMatch(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

// Validate reports invalid patterns.
func (p Policy) Validate() error {
	for _, pattern := range []string{p.GroupPattern, p.AssignmentPattern} {
		if pattern == "" {
			continue
		}
		_, err := fullMatch(pattern)
		if err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}
	return nil
}

func replaceFull(pattern, replace, s string) (string, bool) {
	re, err := fullMatch(pattern)
	if err != nil || !re.MatchString(s) {
		return s, false
	}
	return re.ReplaceAllString(s, replace), true
}

// DisplayGroup is the group shown next to a student.
func (p Policy) DisplayGroup(groups []Group) string {
	if p.GroupPattern == "" {
		if len(groups) == 0 {
			return "-"
		}
		return groups[0].Name
	}
	for _, g := range groups {
		if name, ok := replaceFull(p.GroupPattern, p.GroupReplace, g.Name); ok {
			return name
		}
	}
	return ""
}

// DisplayAssignment is the (usually shortened) name of an assignment.
func (p Policy) DisplayAssignment(name string) string {
	if p.AssignmentPattern == "" {
		return name
	}
	out, _ := replaceFull(p.AssignmentPattern, p.AssignmentReplace, name)
	return out
}

// Visible reports whether a student with these groups is shown.
func (p Policy) Visible(groups []Group) bool {
	if len(p.Classes) == 0 {
		return true
	}
	for _, g := range groups {
		for _, c := range p.Classes {
			if g.Name == c {
				return true
			}
		}
	}
	return false
}

var attemptIDPattern = regexp.MustCompile(`_(.*)_1`)

// AttemptDirectory is where the files of an attempt are stored. Group names of
// the form "Gruppe <class> ... <number>" fill in {class} and {group}.
func (p Policy) AttemptDirectory(assignment Assignment, attempt Attempt) string {
	if p.AttemptDirectoryTemplate == "" {
		return filepath.Join(assignment.Name, fmt.Sprintf("%s (%s)", attempt.Info.GroupName, attempt.ID()))
	}

	className, groupNumber := "", ""
	if fields := strings.Fields(attempt.Info.GroupName); len(fields) >= 4 && fields[0] == "Gruppe" {
		className = fields[1]
		groupNumber = fields[3]
	}
	dir := strings.NewReplacer(
		"{assignment}", p.DisplayAssignment(assignment.Name),
		"{class}", className,
		"{group}", groupNumber,
		"{id}", attemptIDPattern.ReplaceAllString(attempt.ID(), "$1"),
	).Replace(p.AttemptDirectoryTemplate)

	if expanded, err := homedir.Expand(dir); err == nil {
		dir = expanded
	}
	return dir
}

// Cell is the compact summary of a student's attempts on an assignment:
// ⤓ needs grading, ✘ failed, ✔ passed, otherwise the score.
func (p Policy) Cell(attempts []Attempt) string {
	var out strings.Builder
	for _, a := range attempts {
		score := a.Score()
		switch {
		case a.NeedsGrading():
			out.WriteString("⤓")
		case score == nil:
		case *score == 0:
			out.WriteString("✘")
		case *score == 1:
			out.WriteString("✔")
		default:
			fmt.Fprintf(&out, "%g", *score)
		}
	}
	return out.String()
}
