package dwr

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"lmsfetch/internal/components/assert"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/scrapers/lms"

	"github.com/goccy/go-json"
)

const (
	report_dwr_script_session = "dwr.script-session-id"
	report_dwr_attempts       = "dwr.attempts-info"

	// BatchSize is how many calls are sent in one request.
	BatchSize = 20

	engineScript   = "/javascript/dwr/engine.js"
	attemptsInfo   = "/webapps/gradebook/dwr/call/plaincall/GradebookDWRFacade.getAttemptsInfo.dwr"
	gradebookPath  = "/webapps/gradebook"
	fallbackOrigID = "8A22AEE4C7B3F9CA3A094735175A6B14"
	// the page suffix DWR appends to the original script session id
	scriptSessionSuffix = "42"
	batchID             = "42"
)

var origScriptSessionPattern = regexp.MustCompile(`dwr\.engine\._origScriptSessionId = "(.*)";`)

// Session is the part of an lms.Session the DWR client needs.
type Session interface {
	Get(ctx context.Context, target string) (*lms.Response, error)
	Post(ctx context.Context, target string, form url.Values) (*lms.Response, error)
	Cookie(name, path string) (string, error)
}

type Client struct {
	session  Session
	courseID string
	tel      telemetry.API

	scriptSessionID string
}

func NewClient(session Session, courseID string, tel telemetry.API) *Client {
	assert.NotNil(session)
	assert.NotNil(tel)
	return &Client{
		session:  session,
		courseID: courseID,
		tel:      telemetry.NewScopedAPI("dwr", tel),
	}
}

// ScriptSessionID is derived from the id embedded in the DWR engine script, it is
// fetched once per client.
func (c *Client) ScriptSessionID(ctx context.Context) (string, error) {
	if c.scriptSessionID != "" {
		return c.scriptSessionID, nil
	}
	res, err := c.session.Get(ctx, engineScript)
	if err != nil {
		return "", err
	}

	origID := fallbackOrigID
	groups := origScriptSessionPattern.FindStringSubmatch(res.Text())
	if len(groups) == 2 {
		origID = groups[1]
	} else {
		c.tel.ReportWarning(report_dwr_script_session, "could not find _origScriptSessionId, using fallback")
	}
	c.scriptSessionID = origID + scriptSessionSuffix
	return c.scriptSessionID, nil
}

// AttemptRef identifies the attempts of one student on one assignment.
type AttemptRef struct {
	StudentID    string
	AssignmentID string
}

// AttemptInfo is one attempt as reported by GradebookDWRFacade.getAttemptsInfo.
// Individual and group fields are both present, which applies depends on
// whether the assignment is a group assignment.
type AttemptInfo struct {
	ID             string   `json:"id"`
	Date           string   `json:"date"`
	Score          *float64 `json:"score"`
	Status         *string  `json:"status"`
	Exempt         bool     `json:"exempt"`
	Override       bool     `json:"override"`
	GroupAttemptID string   `json:"groupAttemptId"`
	GroupName      string   `json:"groupName"`
	GroupScore     *float64 `json:"groupScore"`
	GroupStatus    *string  `json:"groupStatus"`
}

// rawCourseID is the number inside a course id like "_12345_1".
func rawCourseID(courseID string) (string, error) {
	parts := strings.Split(courseID, "_")
	if len(parts) < 3 || parts[1] == "" {
		return "", fmt.Errorf("dwr: malformed course id %q", courseID)
	}
	return parts[1], nil
}

// AttemptsInfo fetches the attempts for every ref, in the same order as refs.
func (c *Client) AttemptsInfo(ctx context.Context, refs []AttemptRef) ([][]AttemptInfo, error) {
	var results [][]AttemptInfo
	for i := 0; i < len(refs); i += BatchSize {
		batch := refs[i:min(len(refs), i+BatchSize)]
		infos, err := c.attemptsInfoBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		results = append(results, infos...)
	}
	return results, nil
}

func (c *Client) attemptsInfoBatch(ctx context.Context, refs []AttemptRef) ([][]AttemptInfo, error) {
	course, err := rawCourseID(c.courseID)
	if err != nil {
		return nil, err
	}
	httpSessionID, err := c.session.Cookie("JSESSIONID", gradebookPath)
	if err != nil {
		return nil, fmt.Errorf("dwr: http session id: %w", err)
	}
	scriptSessionID, err := c.ScriptSessionID(ctx)
	if err != nil {
		return nil, err
	}

	page := url.URL{Path: "/webapps/gradebook/do/instructor/enterGradeCenter"}
	page.RawQuery = url.Values{"course_id": {c.courseID}, "cvid": {"fullGC"}}.Encode()

	form := url.Values{}
	form.Set("callCount", strconv.Itoa(len(refs)))
	form.Set("page", page.String())
	form.Set("httpSessionId", httpSessionID)
	form.Set("scriptSessionId", scriptSessionID)
	form.Set("batchId", batchID)
	for i, ref := range refs {
		prefix := fmt.Sprintf("c%d-", i)
		form.Set(prefix+"scriptName", "GradebookDWRFacade")
		form.Set(prefix+"methodName", "getAttemptsInfo")
		form.Set(prefix+"id", strconv.Itoa(i))
		form.Set(prefix+"param0", "number:"+course)
		form.Set(prefix+"param1", "string:"+ref.StudentID)
		form.Set(prefix+"param2", "string:"+ref.AssignmentID)
	}

	res, err := c.session.Post(ctx, attemptsInfo, form)
	if err != nil {
		return nil, err
	}
	reply, err := ParseReply(res.Text())
	if err != nil {
		c.tel.ReportBroken(report_dwr_attempts, err)
		return nil, lms.NewParseError(err.Error(), res)
	}
	c.tel.ReportDebug(report_dwr_attempts, len(refs), len(reply))

	out := make([][]AttemptInfo, len(refs))
	for i := range refs {
		values, ok := reply[i]
		if !ok {
			return nil, lms.NewParseError(fmt.Sprintf("no reply for call %d", i), res)
		}
		// the reply is loosely typed javascript, round trip it through json to get structs
		encoded, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		err = json.Unmarshal(encoded, &out[i])
		if err != nil {
			return nil, lms.NewParseError(fmt.Sprintf("call %d: %s", i, err), res)
		}
	}
	return out, nil
}
