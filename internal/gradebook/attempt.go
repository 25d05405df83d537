package gradebook

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/scrapers/lms"
	"lmsfetch/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const report_gradebook_attempt = "gradebook.fetch-attempt"

type File struct {
	Filename     string `json:"filename"`
	DownloadLink string `json:"download_link"`
}

// AttemptDetails is what the grading page shows for one attempt.
type AttemptDetails struct {
	// Submission is the submitted text as markdown, empty if there is none.
	Submission string `json:"submission"`
	// Comments are the student's comments as markdown.
	Comments      string   `json:"comments"`
	Files         []File   `json:"files"`
	Score         *float64 `json:"score"`
	Feedback      string   `json:"feedback"`
	GradingNotes  string   `json:"grading_notes"`
	FeedbackFiles []File   `json:"feedback_files"`
}

// gradingUrl is the grading page of an individual or group attempt.
func gradingUrl(courseID, attemptID string, group bool) string {
	q := url.Values{"course_id": {courseID}}
	if group {
		q.Set("groupAttemptId", attemptID)
	} else {
		q.Set("attempt_id", attemptID)
	}
	u := url.URL{Path: "/webapps/assignment/gradeAssignmentRedirector", RawQuery: q.Encode()}
	return u.String()
}

// FetchAttempt reads the grading page of an attempt.
func FetchAttempt(ctx context.Context, getter lms.Getter, courseID, attemptID string, group bool, tel telemetry.API) (*AttemptDetails, error) {
	start := time.Now()
	res, err := getter.Get(ctx, gradingUrl(courseID, attemptID, group))
	if err != nil {
		return nil, err
	}
	if elapsed := time.Since(start); elapsed > telemetry.SlowRequest {
		tel.ReportWarning(report_gradebook_attempt, "fetching attempt was slow", elapsed.String())
	}
	doc, err := res.Document()
	if err != nil {
		return nil, lms.NewParseError(err.Error(), res)
	}
	return parseAttempt(res, doc)
}

func parseAttempt(res *lms.Response, doc *goquery.Document) (*AttemptDetails, error) {
	details := &AttemptDetails{Files: []File{}, FeedbackFiles: []File{}}

	if text := doc.Find("div#submissionTextView").First(); text.Length() > 0 {
		details.Submission = htmlutil.Markdown(text)
	}

	if comments := doc.Find("div#currentAttempt_comments").First(); comments.Length() > 0 {
		var parts []string
		comments.Find("div.vtbegenerated").Each(func(_ int, s *goquery.Selection) {
			parts = append(parts, htmlutil.Markdown(s))
		})
		if len(parts) == 0 {
			return nil, lms.NewParseError("Page contains currentAttempt_comments, but it contains no comments", res)
		}
		details.Comments = strings.Join(parts, "\n\n")
	}

	list := doc.Find("ul#currentAttempt_submissionList").First()
	if list.Length() == 0 {
		return nil, lms.NewParseError("No currentAttempt_submissionList", res)
	}
	var err error
	list.Children().EachWithBreak(func(_ int, item *goquery.Selection) bool {
		filename := htmlutil.TextContent(item)
		if href, ok := item.Find("a.dwnldBtn").First().Attr("href"); ok {
			var link *url.URL
			link, err = res.URL().Parse(href)
			if err != nil {
				err = lms.NewParseError(fmt.Sprintf("bad download link %q", href), res)
				return false
			}
			details.Files = append(details.Files, File{Filename: filename, DownloadLink: link.String()})
			return true
		}
		if item.Find("a#currentAttempt_attemptFilesubmissionText").Length() > 0 {
			// this entry stands for the submission text
			if details.Submission == "" {
				err = lms.NewParseError(fmt.Sprintf("%q in file list, but no accompanying submission text contents", filename), res)
				return false
			}
			return true
		}
		err = lms.NewParseError(fmt.Sprintf("No download link for file %q", filename), res)
		return false
	})
	if err != nil {
		return nil, err
	}

	if input := doc.Find("input#currentAttempt_grade").First(); input.Length() > 0 {
		raw := htmlutil.FormFieldValue(input)
		score, parseErr := strconv.ParseFloat(raw, 64)
		switch {
		case parseErr == nil:
			details.Score = &score
		case raw != "":
			return nil, lms.NewParseError(fmt.Sprintf("Couldn't parse currentAttempt_grade: %q", raw), res)
		}
	}

	if field := doc.Find(`[id="feedbacktext"]`).First(); field.Length() > 0 {
		details.Feedback = htmlutil.FormFieldValue(field)
		if strings.Contains(details.Feedback, "<") {
			details.Feedback, err = htmlutil.MarkdownString(details.Feedback)
			if err != nil {
				return nil, lms.NewParseError(fmt.Sprintf("feedback: %s", err), res)
			}
		}
	}
	if field := doc.Find(`[id="gradingNotestext"]`).First(); field.Length() > 0 {
		details.GradingNotes = htmlutil.FormFieldValue(field)
	}

	doc.Find("tbody#feedbackFiles_table_body").First().Children().EachWithBreak(func(i int, row *goquery.Selection) bool {
		a := row.Find("a").First()
		href, ok := a.Attr("href")
		if !ok {
			err = lms.NewParseError(fmt.Sprintf("feedbackFiles_table_body row %d: no link", i), res)
			return false
		}
		var link *url.URL
		link, err = res.URL().Parse(href)
		if err != nil {
			err = lms.NewParseError(fmt.Sprintf("feedbackFiles_table_body row %d: bad link %q", i, href), res)
			return false
		}
		details.FeedbackFiles = append(details.FeedbackFiles, File{
			Filename:     htmlutil.TextContent(a),
			DownloadLink: link.String(),
		})
		return true
	})
	if err != nil {
		return nil, err
	}

	return details, nil
}
