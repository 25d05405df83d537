package lms

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"lmsfetch/internal/components/telemetry"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

// pageGetter serves data table pages by their "page" query parameter.
type pageGetter struct {
	t        testing.TB
	pages    map[string]string
	requests []string
}

func (g *pageGetter) Get(_ context.Context, target string) (*Response, error) {
	u := mustParseUrl(g.t, "https://bb.example.com/webapps/gradebook/").ResolveReference(mustParseUrl(g.t, target))
	g.requests = append(g.requests, u.String())

	page := u.Query().Get("page")
	if page == "" {
		page = "1"
	}
	body, ok := g.pages[page]
	if !ok {
		return nil, fmt.Errorf("no page %s", page)
	}
	return htmlResponse(g.t, u.String(), []byte(body)), nil
}

type header struct {
	text    string
	sortCol string
}

func tablePage(headers []header, rows [][]string, next string) string {
	var out strings.Builder
	out.WriteString(`<html><body>`)
	if next != "" {
		fmt.Fprintf(&out, `<a id="listContainer_nextpage_top" href="%s">Næste</a>`, next)
	}
	out.WriteString(`<table id="listContainer_datatable"><thead><tr>`)
	for _, h := range headers {
		if h.sortCol == "" {
			fmt.Fprintf(&out, `<th>%s</th>`, h.text)
			continue
		}
		fmt.Fprintf(&out, `<th><a class="sortheader" href="list.jsp?sortCol=%s&amp;sortDir=ASCENDING">%s</a></th>`, h.sortCol, h.text)
	}
	out.WriteString(`</tr></thead><tbody>`)
	for _, row := range rows {
		out.WriteString(`<tr>`)
		for _, cell := range row {
			fmt.Fprintf(&out, `<td>%s</td>`, cell)
		}
		out.WriteString(`</tr>`)
	}
	out.WriteString(`</tbody></table></body></html>`)
	return out.String()
}

var studentHeaders = []header{
	{text: "Brugernavn", sortCol: "UsernameCol"},
	{text: "Navn", sortCol: "NameCol"},
	{text: "Rolle"},
}

func studentRows(from, n int) [][]string {
	var rows [][]string
	for i := from; i < from+n; i++ {
		rows = append(rows, []string{
			fmt.Sprintf("au%03d", i),
			fmt.Sprintf(`student <span class="hideoff">hidden</span>%d`, i),
			"Studerende",
		})
	}
	return rows
}

func threePages() map[string]string {
	return map[string]string{
		"1": tablePage(studentHeaders, studentRows(0, 10), "list.jsp?page=2"),
		"2": tablePage(studentHeaders, studentRows(10, 10), "list.jsp?page=3"),
		"3": tablePage(studentHeaders, studentRows(20, 4), ""),
	}
}

func TestFetchTable(t *testing.T) {
	getter := &pageGetter{t: t, pages: threePages()}
	tel := &telemetry.Recorder{}

	res, keys, rows, err := FetchTable(context.Background(), getter, "list.jsp?course_id=_1_1", WithTelemetry(tel))
	require.NoError(t, err)
	require.Equal(t, Keys{"UsernameCol", "NameCol", "Rolle"}, keys)
	require.Len(t, rows, 24)
	for i, row := range rows {
		require.Equal(t, fmt.Sprintf("au%03d", i), row.String(0))
		require.Equal(t, fmt.Sprintf("student %d", i), row.String(1))
	}

	require.Len(t, getter.requests, 3)
	first := mustParseUrl(t, getter.requests[0])
	require.Equal(t, "1000", first.Query().Get("numResults"))
	require.Equal(t, "0", first.Query().Get("startIndex"))
	require.Equal(t, "_1_1", first.Query().Get("course_id"))
	require.Equal(t, "https://bb.example.com/webapps/gradebook/list.jsp?page=2", getter.requests[1])

	require.Len(t, res.History(), 2)
	require.Equal(t, "3", res.URL().Query().Get("page"))
	require.Equal(t, getter.requests[0], res.History()[0].URL().String())
	require.True(t, tel.Has("count", "datatable.pages"))
}

func TestIterTableStreams(t *testing.T) {
	getter := &pageGetter{t: t, pages: threePages()}
	it := IterTable(context.Background(), getter, "list.jsp")

	keys, err := it.Keys()
	require.NoError(t, err)
	require.Equal(t, 2, keys.Index("Rolle"))
	require.Len(t, getter.requests, 1, "only the first page is fetched for the keys")

	n := 0
	for it.Next() {
		n++
		if n == 10 {
			require.Len(t, getter.requests, 1)
		}
		if n == 11 {
			require.Len(t, getter.requests, 2)
		}
	}
	require.NoError(t, it.Err())
	require.Equal(t, 24, n)
	require.NotNil(t, it.Response())
	require.False(t, it.Next())
}

func TestTableExtract(t *testing.T) {
	getter := &pageGetter{t: t, pages: threePages()}
	seen := map[string]int{}
	extract := func(key string, cell *goquery.Selection, text string) (any, error) {
		seen[key]++
		if key == "NameCol" {
			return strings.ToUpper(text), nil
		}
		return text, nil
	}

	_, _, rows, err := FetchTable(context.Background(), getter, "list.jsp", WithExtract(extract))
	require.NoError(t, err)
	require.Equal(t, "STUDENT 23", rows[23][1])
	require.Equal(t, map[string]int{"UsernameCol": 24, "NameCol": 24, "Rolle": 24}, seen)
}

func TestTableExtractError(t *testing.T) {
	getter := &pageGetter{t: t, pages: threePages()}
	extract := func(key string, cell *goquery.Selection, text string) (any, error) {
		if text == "au015" {
			return nil, fmt.Errorf("unexpected username")
		}
		return text, nil
	}

	_, _, _, err := FetchTable(context.Background(), getter, "list.jsp", WithExtract(extract))
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, "2", parseErr.Response.URL().Query().Get("page"))
}

func TestTableKeyMismatch(t *testing.T) {
	pages := threePages()
	pages["2"] = tablePage(
		[]header{studentHeaders[1], studentHeaders[0], studentHeaders[2]},
		studentRows(10, 10),
		"list.jsp?page=3",
	)
	getter := &pageGetter{t: t, pages: pages}
	tel := &telemetry.Recorder{}

	_, _, _, err := FetchTable(context.Background(), getter, "list.jsp", WithTelemetry(tel))
	var mismatch *KeyMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, 2, mismatch.Page)
	require.Equal(t, Keys{"NameCol", "UsernameCol", "Rolle"}, mismatch.Got)
	require.Equal(t, Keys{"UsernameCol", "NameCol", "Rolle"}, mismatch.Want)
	require.Len(t, getter.requests, 2)
	require.True(t, tel.Has("broken", "datatable.page"))
}

func TestTableMissing(t *testing.T) {
	getter := &pageGetter{t: t, pages: map[string]string{"1": `<html><body><p>Ingen adgang</p></body></html>`}}

	_, _, _, err := FetchTable(context.Background(), getter, "list.jsp")
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Contains(t, parseErr.Msg, "listContainer_datatable")
}

func TestTableOtherID(t *testing.T) {
	page := strings.ReplaceAll(tablePage(studentHeaders, studentRows(0, 2), ""), "listContainer_datatable", "userGroupList_datatable")
	getter := &pageGetter{t: t, pages: map[string]string{"1": page}}

	_, keys, rows, err := FetchTable(context.Background(), getter, "groups.jsp", WithTableID("userGroupList_datatable"))
	require.NoError(t, err)
	require.Len(t, keys, 3)
	require.Len(t, rows, 2)
}

func TestTableFetchError(t *testing.T) {
	pages := threePages()
	delete(pages, "3")
	getter := &pageGetter{t: t, pages: pages}

	it := IterTable(context.Background(), getter, "list.jsp")
	n := 0
	for it.Next() {
		n++
	}
	require.Equal(t, 20, n)
	require.ErrorContains(t, it.Err(), "no page 3")
	require.Nil(t, it.Response())
}

func TestDumpTable(t *testing.T) {
	getter := &pageGetter{t: t, pages: threePages()}
	var out bytes.Buffer

	_, keys, rows, err := DumpTable(context.Background(), getter, "list.jsp", &out)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	require.Len(t, rows, 24)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 25)
	require.Equal(t, "UsernameCol\tNameCol\tRolle", lines[0])
	require.Equal(t, "au023\tstudent 23\tStuderende", lines[24])
}

func TestIterTableWithSession(t *testing.T) {
	// sessions configure the table ids from their site
	f := newFakeLMS(t)
	f.site.DataTableID = "custom_datatable"
	session, _ := f.goodSession(t)

	it := IterTable(context.Background(), session, "list.jsp")
	require.Equal(t, "custom_datatable", it.opts.tableID)
	require.Equal(t, 1000, it.opts.pageSize)
}
