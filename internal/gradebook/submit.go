package gradebook

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"

	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/scrapers/lms"
	"lmsfetch/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const (
	report_gradebook_submit = "gradebook.submit-grade"

	// GradingNote is left in the grading notes of every submitted grade.
	GradingNote = "Submitted with lmsfetch"
)

var tracer = otel.Tracer("lmsfetch/gradebook")

// Session is what SubmitGrade needs from an lms.Session.
type Session interface {
	lms.Getter
	PostMultipart(ctx context.Context, target string, form url.Values, files []lms.File) (*lms.Response, error)
}

// Grade is the feedback submitted for one attempt.
type Grade struct {
	AttemptID string
	Group     bool
	Score     float64
	Feedback  string
	// Attachments are uploaded as feedback files, only their base name is kept.
	Attachments []Attachment
}

type Attachment struct {
	Path string
	Data []byte
}

func submitUrl(group bool) string {
	if group {
		return "/webapps/assignment//gradeGroupAssignment/submit"
	}
	return "/webapps/assignment//gradeAssignment/submit"
}

// readGradingForm collects the named fields of currentAttempt_form, which
// include the nonce the submission must carry.
func readGradingForm(res *lms.Response) (url.Values, error) {
	doc, err := res.Document()
	if err != nil {
		return nil, lms.NewParseError(err.Error(), res)
	}
	sel := doc.Find(`form[id="currentAttempt_form"]`).First()
	if sel.Length() == 0 {
		return nil, lms.NewParseError("No <form id=currentAttempt_form>", res)
	}

	f := url.Values{}
	sel.Find("input, textarea").Each(func(_ int, field *goquery.Selection) {
		name := field.AttrOr("name", "")
		if name == "" {
			return
		}
		f.Add(name, htmlutil.FormFieldValue(field))
	})
	return f, nil
}

// SubmitGrade fills in the grading form of an attempt and submits it.
func SubmitGrade(ctx context.Context, session Session, courseID string, grade Grade, tel telemetry.API) error {
	ctx, span := tracer.Start(ctx, "gradebook:SubmitGrade")
	defer span.End()

	res, err := session.Get(ctx, gradingUrl(courseID, grade.AttemptID, grade.Group))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch grading page")
		return err
	}
	f, err := readGradingForm(res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read grading form")
		return err
	}

	f.Set("grade", strconv.FormatFloat(grade.Score, 'f', -1, 64))
	f.Set("feedbacktext", grade.Feedback)
	f.Set("gradingNotestext", GradingNote)

	var files []lms.File
	for i, attachment := range grade.Attachments {
		base := filepath.Base(attachment.Path)
		f.Add("feedbackFiles_attachmentType", "L")
		f.Add("feedbackFiles_fileId", "new")
		f.Add("feedbackFiles_artifactFileId", "undefined")
		f.Add("feedbackFiles_artifactType", "undefined")
		f.Add("feedbackFiles_artifactTypeResourceKey", "undefined")
		f.Add("feedbackFiles_linkTitle", base)
		files = append(files, lms.File{
			Field: fmt.Sprintf("feedbackFiles_LocalFile%d", i),
			Name:  base,
			Data:  attachment.Data,
		})
	}

	res, err = session.PostMultipart(ctx, submitUrl(grade.Group), f, files)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to post grade")
		return err
	}

	doc, err := res.Document()
	if err != nil {
		return lms.NewParseError(err.Error(), res)
	}
	extra := []string{
		fmt.Sprintf("Post data:\n%v", f),
		fmt.Sprintf("Files:\n%d attachment(s)", len(files)),
	}
	if bad := doc.Find(`span[id="badMsg1"]`).First(); bad.Length() > 0 {
		span.SetStatus(codes.Error, "badMsg1")
		tel.ReportBroken(report_gradebook_submit, grade.AttemptID, htmlutil.TextContent(bad))
		return lms.NewParseError("badMsg1: "+htmlutil.TextContent(bad), res, extra...)
	}
	good := doc.Find(`span[id="goodMsg1"]`).First()
	if good.Length() == 0 {
		span.SetStatus(codes.Error, "no goodMsg1")
		return lms.NewParseError("No goodMsg1 in POST response", res, extra...)
	}
	tel.ReportDebug(report_gradebook_submit, grade.AttemptID, htmlutil.TextContent(good))
	return nil
}
