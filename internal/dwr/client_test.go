package dwr

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/scrapers/lms"

	"github.com/stretchr/testify/require"
)

type fakeGradebook struct {
	mutex   sync.Mutex
	engine  string
	batches []url.Values
}

func (f *fakeGradebook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case engineScript:
		fmt.Fprint(w, f.engine)
	case attemptsInfo:
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mutex.Lock()
		f.batches = append(f.batches, r.PostForm)
		f.mutex.Unlock()

		n := 0
		fmt.Sscan(r.PostForm.Get("callCount"), &n)
		var out strings.Builder
		out.WriteString("throw 'allowScriptTagRemoting is false.';\n//#DWR-REPLY\n")
		for i := 0; i < n; i++ {
			student := strings.TrimPrefix(r.PostForm.Get(fmt.Sprintf("c%d-param1", i)), "string:")
			fmt.Fprintf(&out, "var s%d={};s%d.id=\"%s\";s%d.score=%d.0;s%d.status=null;\n", i, i, student, i, i, i)
			fmt.Fprintf(&out, "dwr.engine._remoteHandleCallback('42','%d',[s%d]);\n", i, i)
		}
		fmt.Fprint(w, out.String())
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeGradebook) Batches() []url.Values {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.batches
}

func newTestClient(t *testing.T, f *fakeGradebook, withCookie bool) (*Client, *telemetry.Recorder) {
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	jar := filepath.Join(t.TempDir(), "cookies.txt")
	contents := "# Netscape HTTP Cookie File\n\n"
	if withCookie {
		contents += "127.0.0.1\tFALSE\t/webapps/gradebook\tFALSE\t0\tJSESSIONID\tjsession-abc\n"
	}
	require.NoError(t, os.WriteFile(jar, []byte(contents), 0600))

	site := lms.DefaultSite()
	site.BaseUrl = srv.URL
	tel := &telemetry.Recorder{}
	session, err := lms.NewSession(lms.Options{Site: site, CookieJar: jar, CourseID: "_5432_1"}, tel)
	require.NoError(t, err)
	return NewClient(session, session.CourseID, tel), tel
}

func TestScriptSessionID(t *testing.T) {
	f := &fakeGradebook{engine: `
if (typeof dwr == 'undefined') dwr = {};
dwr.engine._origScriptSessionId = "ABCDEF0123";
dwr.engine._sessionCookieName = "JSESSIONID";`}
	client, _ := newTestClient(t, f, true)

	id, err := client.ScriptSessionID(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ABCDEF012342", id)
}

func TestScriptSessionIDFallback(t *testing.T) {
	client, tel := newTestClient(t, &fakeGradebook{engine: "// nothing here"}, true)

	id, err := client.ScriptSessionID(context.Background())
	require.NoError(t, err)
	require.Equal(t, fallbackOrigID+"42", id)
	require.True(t, tel.Has("warning", "dwr.script-session-id"))
}

func TestAttemptsInfoBatches(t *testing.T) {
	f := &fakeGradebook{engine: `dwr.engine._origScriptSessionId = "X";`}
	client, _ := newTestClient(t, f, true)

	var refs []AttemptRef
	for i := 0; i < 45; i++ {
		refs = append(refs, AttemptRef{StudentID: fmt.Sprintf("_%d_1", i), AssignmentID: "_99_1"})
	}

	infos, err := client.AttemptsInfo(context.Background(), refs)
	require.NoError(t, err)
	require.Len(t, infos, 45)
	for i, attempts := range infos {
		require.Len(t, attempts, 1)
		require.Equal(t, refs[i].StudentID, attempts[0].ID)
		require.Nil(t, attempts[0].Status)
	}
	require.Equal(t, 19.0, *infos[39][0].Score)

	batches := f.Batches()
	require.Len(t, batches, 3)
	require.Equal(t, []string{"20", "20", "5"}, []string{
		batches[0].Get("callCount"), batches[1].Get("callCount"), batches[2].Get("callCount"),
	})

	first := batches[0]
	require.Equal(t, "jsession-abc", first.Get("httpSessionId"))
	require.Equal(t, "X42", first.Get("scriptSessionId"))
	require.Equal(t, "42", first.Get("batchId"))
	require.Equal(t, "/webapps/gradebook/do/instructor/enterGradeCenter?course_id=_5432_1&cvid=fullGC", first.Get("page"))
	require.Equal(t, "GradebookDWRFacade", first.Get("c3-scriptName"))
	require.Equal(t, "getAttemptsInfo", first.Get("c3-methodName"))
	require.Equal(t, "3", first.Get("c3-id"))
	require.Equal(t, "number:5432", first.Get("c3-param0"))
	require.Equal(t, "string:_3_1", first.Get("c3-param1"))
	require.Equal(t, "string:_99_1", first.Get("c3-param2"))
}

func TestAttemptsInfoNoSessionCookie(t *testing.T) {
	f := &fakeGradebook{engine: `dwr.engine._origScriptSessionId = "X";`}
	client, _ := newTestClient(t, f, false)

	_, err := client.AttemptsInfo(context.Background(), []AttemptRef{{StudentID: "_1_1", AssignmentID: "_2_1"}})
	require.ErrorIs(t, err, lms.ErrCookieNotFound)
	require.Empty(t, f.Batches())
}

func TestRawCourseID(t *testing.T) {
	id, err := rawCourseID("_5432_1")
	require.NoError(t, err)
	require.Equal(t, "5432", id)

	_, err = rawCourseID("5432")
	require.Error(t, err)
}
