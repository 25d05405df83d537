// Package gradebook reads the grade center of a course and submits grades.
package gradebook

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/dwr"
	"lmsfetch/internal/scrapers/lms"
)

const (
	report_gradebook_overview = "gradebook.fetch-overview"
	report_gradebook_attempts = "gradebook.refresh-attempts"

	assignmentSource = "resource/x-bb-assignment"
)

type Assignment struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Source   string  `json:"src"`
	Group    bool    `json:"groupActivity"`
	Points   float64 `json:"points"`
	Position int     `json:"pos"`
}

// StudentAssignment is a student's cell in an assignment column.
type StudentAssignment struct {
	Score        any  `json:"score"`
	NeedsGrading bool `json:"needs_grading"`
	// Attempts is nil until fetched with RefreshAttempts.
	Attempts []dwr.AttemptInfo `json:"attempts"`
}

type Student struct {
	ID            string `json:"id"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Username      string `json:"username"`
	StudentNumber string `json:"student_number"`
	LastAccess    string `json:"last_access"`
	Available     bool   `json:"available"`

	Assignments map[string]*StudentAssignment `json:"assignments"`
}

func (s *Student) Name() string {
	return s.FirstName + " " + s.LastName
}

// Attempt is one hand-in, seen from the point of view of its assignment: group
// assignments use the group fields of the attempt info.
type Attempt struct {
	Info       dwr.AttemptInfo
	Assignment Assignment
}

func (a Attempt) ID() string {
	if a.Assignment.Group {
		return a.Info.GroupAttemptID
	}
	return a.Info.ID
}

func (a Attempt) Score() *float64 {
	if a.Assignment.Group {
		return a.Info.GroupScore
	}
	return a.Info.Score
}

func (a Attempt) NeedsGrading() bool {
	status := a.Info.Status
	if a.Assignment.Group {
		status = a.Info.GroupStatus
	}
	return status != nil && *status == "ng"
}

// Overview is the whole grade center: every assignment column and every student.
type Overview struct {
	CourseID    string                `json:"course_id"`
	FetchedAt   time.Time             `json:"fetched_at"`
	Assignments map[string]Assignment `json:"assignments"`
	Students    map[string]*Student   `json:"students"`
}

// SortedAssignments returns the assignments in grade center column order.
func (o *Overview) SortedAssignments() []Assignment {
	out := make([]Assignment, 0, len(o.Assignments))
	for _, a := range o.Assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Attempts returns the fetched attempts of a student on an assignment, oldest first.
func (o *Overview) Attempts(student *Student, assignmentID string) []Attempt {
	sa, ok := student.Assignments[assignmentID]
	if !ok {
		return nil
	}
	out := make([]Attempt, len(sa.Attempts))
	for i, info := range sa.Attempts {
		out[i] = Attempt{Info: info, Assignment: o.Assignments[assignmentID]}
	}
	return out
}

// GroupName is the group of the student's most recent attempt.
func (o *Overview) GroupName(student *Student) string {
	name := ""
	for _, a := range o.SortedAssignments() {
		for _, attempt := range o.Attempts(student, a.ID) {
			if attempt.Info.GroupName != "" {
				name = attempt.Info.GroupName
			}
		}
	}
	return name
}

type overviewReply struct {
	ColDefs []Assignment       `json:"colDefs"`
	Rows    [][]map[string]any `json:"rows"`
}

func overviewUrl(courseID string) string {
	u := url.URL{Path: "/webapps/gradebook/do/instructor/getJSONData"}
	u.RawQuery = url.Values{"course_id": {courseID}}.Encode()
	return u.String()
}

func cellString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// FetchOverview reads the grade center's JSON data. Attempts are not included,
// see RefreshAttempts.
func FetchOverview(ctx context.Context, getter lms.Getter, courseID string, tel telemetry.API) (*Overview, error) {
	start := time.Now()
	res, err := getter.Get(ctx, overviewUrl(courseID))
	if err != nil {
		return nil, err
	}
	if elapsed := time.Since(start); elapsed > telemetry.SlowRequest {
		tel.ReportWarning(report_gradebook_overview, "fetching gradebook was slow", elapsed.String())
	}

	var reply overviewReply
	err = res.JSON(&reply)
	if err != nil {
		return nil, err
	}

	ov := &Overview{
		CourseID:    courseID,
		FetchedAt:   time.Now(),
		Assignments: map[string]Assignment{},
		Students:    map[string]*Student{},
	}
	for _, c := range reply.ColDefs {
		if c.Source != assignmentSource {
			continue
		}
		ov.Assignments[c.ID] = c
	}

	for i, row := range reply.Rows {
		if len(row) == 0 {
			return nil, lms.NewParseError(fmt.Sprintf("row %d is empty", i), res)
		}
		id := cellString(row[0]["uid"])
		if id == "" {
			return nil, lms.NewParseError(fmt.Sprintf("row %d has no uid", i), res)
		}
		available, _ := row[0]["avail"].(bool)

		cells := map[string]map[string]any{}
		data := map[string]any{}
		for _, cell := range row {
			column, ok := cell["c"].(string)
			if !ok {
				continue
			}
			cells[column] = cell
			if v, ok := cell["v"]; ok {
				data[column] = v
			}
		}

		student := &Student{
			ID:            id,
			FirstName:     cellString(data["FN"]),
			LastName:      cellString(data["LN"]),
			Username:      cellString(data["UN"]),
			StudentNumber: cellString(data["SI"]),
			LastAccess:    cellString(data["LA"]),
			Available:     available,
			Assignments:   map[string]*StudentAssignment{},
		}
		for assignmentID := range ov.Assignments {
			cell, ok := cells[assignmentID]
			if !ok {
				continue
			}
			needsGrading, _ := cell["ng"].(bool)
			student.Assignments[assignmentID] = &StudentAssignment{
				Score:        cell["v"],
				NeedsGrading: needsGrading,
			}
		}
		ov.Students[id] = student
	}

	tel.ReportDebug(report_gradebook_overview, len(ov.Assignments), len(ov.Students))
	return ov, nil
}

// CopyAttempts carries attempts over from an earlier overview for every cell
// whose score and grading state have not changed since.
func (o *Overview) CopyAttempts(prev *Overview) {
	if prev == nil {
		return
	}
	for id, student := range o.Students {
		prevStudent, ok := prev.Students[id]
		if !ok {
			continue
		}
		for assignmentID, cell := range student.Assignments {
			prevCell, ok := prevStudent.Assignments[assignmentID]
			if !ok {
				continue
			}
			// a new hand-in needs grading
			if cell.NeedsGrading && !prevCell.NeedsGrading {
				continue
			}
			if cellString(cell.Score) != cellString(prevCell.Score) {
				continue
			}
			if cell.Attempts == nil {
				cell.Attempts = prevCell.Attempts
			}
		}
	}
}

// RefreshAttempts fetches the attempts of every cell that has none yet.
func (o *Overview) RefreshAttempts(ctx context.Context, client *dwr.Client, tel telemetry.API) error {
	var refs []dwr.AttemptRef
	var targets []*StudentAssignment

	studentIDs := make([]string, 0, len(o.Students))
	for id := range o.Students {
		studentIDs = append(studentIDs, id)
	}
	sort.Strings(studentIDs)

	for _, id := range studentIDs {
		student := o.Students[id]
		for _, a := range o.SortedAssignments() {
			cell, ok := student.Assignments[a.ID]
			if !ok || cell.Attempts != nil {
				continue
			}
			refs = append(refs, dwr.AttemptRef{StudentID: id, AssignmentID: a.ID})
			targets = append(targets, cell)
		}
	}
	if len(refs) == 0 {
		return nil
	}

	tel.ReportDebug(report_gradebook_attempts, len(refs))
	infos, err := client.AttemptsInfo(ctx, refs)
	if err != nil {
		return err
	}
	for i, cell := range targets {
		cell.Attempts = infos[i]
		if cell.Attempts == nil {
			cell.Attempts = []dwr.AttemptInfo{}
		}
	}
	return nil
}
