package lms

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"time"

	"lmsfetch/internal/components/telemetry"
	"lmsfetch/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_datatable_page  = "datatable.page"
	report_datatable_pages = "datatable.pages"
)

// Keys are the column identifiers of a data table.
type Keys []string

// Index returns the position of key, or -1.
func (k Keys) Index(key string) int {
	return slices.Index(k, key)
}

// Row is one table row, aligned to Keys. Cells are strings unless an Extract
// function returned something else.
type Row []any

// String returns the cell at i as a string, or "" if it is something else.
func (r Row) String(i int) string {
	if i < 0 || i >= len(r) {
		return ""
	}
	s, _ := r[i].(string)
	return s
}

// Extract transforms a cell, text is the cell's visible text.
type Extract func(key string, cell *goquery.Selection, text string) (any, error)

// Getter is anything that can fetch an authenticated page, usually a *Session.
type Getter interface {
	Get(ctx context.Context, target string) (*Response, error)
}

type tableOptions struct {
	extract  Extract
	tableID  string
	nextID   string
	pageSize int
	tel      telemetry.API
}

type TableOption func(*tableOptions)

func WithExtract(extract Extract) TableOption {
	return func(o *tableOptions) { o.extract = extract }
}

// WithTableID selects a table other than the default listContainer_datatable.
func WithTableID(id string) TableOption {
	return func(o *tableOptions) { o.tableID = id }
}

func WithTelemetry(tel telemetry.API) TableOption {
	return func(o *tableOptions) { o.tel = telemetry.NewScopedAPI("lms", tel) }
}

// WithSite takes the table id, next page id and page size from a Site.
func WithSite(site Site) TableOption {
	return func(o *tableOptions) {
		if site.DataTableID != "" {
			o.tableID = site.DataTableID
		}
		if site.NextPageID != "" {
			o.nextID = site.NextPageID
		}
		if site.TablePageSize > 0 {
			o.pageSize = site.TablePageSize
		}
	}
}

// TableIter walks every row of a paginated data table, fetching pages as it goes.
// It cannot be restarted.
//
//	it := lms.IterTable(ctx, session, url)
//	keys, err := it.Keys()
//	for it.Next() {
//		row := it.Row()
//	}
//	if it.Err() != nil { ... }
//	res := it.Response()
type TableIter struct {
	ctx    context.Context
	getter Getter
	url    string
	opts   tableOptions

	started bool
	page    int
	keys    Keys
	rows    []Row
	row     Row
	next    *url.URL
	current *Response
	prior   chain
	final   *Response
	err     error
}

// IterTable returns an iterator over the data table at target. A large page
// size is requested to keep the number of round trips down.
func IterTable(ctx context.Context, getter Getter, target string, opts ...TableOption) *TableIter {
	options := tableOptions{
		tableID:  "listContainer_datatable",
		nextID:   "listContainer_nextpage_top",
		pageSize: 1000,
		tel:      telemetry.NewScopedAPI("lms", telemetry.SlogAPI{}),
	}
	if s, ok := getter.(*Session); ok {
		WithSite(s.site)(&options)
		options.tel = s.tel
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &TableIter{ctx: ctx, getter: getter, url: target, opts: options}
}

func withPageSize(target string, size int) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("numResults", strconv.Itoa(size))
	q.Set("startIndex", "0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (it *TableIter) start() {
	if it.started {
		return
	}
	it.started = true

	target, err := withPageSize(it.url, it.opts.pageSize)
	if err != nil {
		it.err = err
		return
	}
	keys, ok := it.fetchPage(target)
	if ok {
		it.keys = keys
	}
}

// fetchPage fetches and parses one page, the previous page (if any) is moved into
// the history chain.
func (it *TableIter) fetchPage(target string) (Keys, bool) {
	it.page++
	start := time.Now()
	res, err := it.getter.Get(it.ctx, target)
	if err != nil {
		it.err = err
		return nil, false
	}
	it.opts.tel.ReportDebug(report_datatable_page, it.page, time.Since(start).String())

	if it.current != nil {
		it.prior = it.prior.add(it.current)
	}
	it.current = res

	doc, err := res.Document()
	if err != nil {
		it.err = NewParseError(fmt.Sprintf("parse html: %s", err), res)
		return nil, false
	}
	keys, rows, err := parseTable(res, doc, it.opts.tableID, it.opts.extract)
	if err != nil {
		it.err = err
		return nil, false
	}
	it.rows = rows

	it.next = nil
	next := doc.Find(fmt.Sprintf(`a[id="%s"]`, it.opts.nextID)).First()
	if href, ok := next.Attr("href"); ok && href != "" {
		// pagination links are relative to the page they are on
		it.next, err = res.URL().Parse(href)
		if err != nil {
			it.err = NewParseError(fmt.Sprintf("bad next page link %q: %s", href, err), res)
			return nil, false
		}
	}
	return keys, true
}

// Keys fetches the first page if needed and returns the column keys.
func (it *TableIter) Keys() (Keys, error) {
	it.start()
	if it.keys == nil && it.err != nil {
		return nil, it.err
	}
	return it.keys, nil
}

// Next advances to the next row, fetching the next page when the current one runs out.
func (it *TableIter) Next() bool {
	it.start()
	for {
		if it.err != nil || it.final != nil {
			return false
		}
		if len(it.rows) > 0 {
			it.row = it.rows[0]
			it.rows = it.rows[1:]
			return true
		}
		if it.next == nil {
			it.final = it.prior.finish(it.current)
			it.opts.tel.ReportCount(report_datatable_pages, int64(it.page))
			return false
		}

		keys, ok := it.fetchPage(it.next.String())
		if !ok {
			return false
		}
		if !slices.Equal(keys, it.keys) {
			it.err = &KeyMismatchError{Page: it.page, Got: keys, Want: it.keys}
			it.opts.tel.ReportBroken(report_datatable_page, it.err)
			return false
		}
	}
}

// Row is the current row.
func (it *TableIter) Row() Row {
	return it.row
}

func (it *TableIter) Err() error {
	return it.err
}

// Response is the last page fetched with every earlier page in its history, it
// is only available once Next has returned false without an error.
func (it *TableIter) Response() *Response {
	return it.final
}

// FetchTable reads a whole data table.
func FetchTable(ctx context.Context, getter Getter, target string, opts ...TableOption) (*Response, Keys, []Row, error) {
	it := IterTable(ctx, getter, target, opts...)
	keys, err := it.Keys()
	if err != nil {
		return nil, nil, nil, err
	}
	var rows []Row
	for it.Next() {
		rows = append(rows, it.Row())
	}
	if it.Err() != nil {
		return nil, nil, nil, it.Err()
	}
	return it.Response(), keys, rows, nil
}

// DumpTable is FetchTable, but every row (keys first) is also written to w as
// tab separated values the moment it is read.
func DumpTable(ctx context.Context, getter Getter, target string, w io.Writer, opts ...TableOption) (*Response, Keys, []Row, error) {
	out := csv.NewWriter(w)
	out.Comma = '\t'

	it := IterTable(ctx, getter, target, opts...)
	keys, err := it.Keys()
	if err != nil {
		return nil, nil, nil, err
	}
	err = writeRecord(out, keys, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	var rows []Row
	for it.Next() {
		row := it.Row()
		rows = append(rows, row)
		err = writeRecord(out, nil, row)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if it.Err() != nil {
		return nil, nil, nil, it.Err()
	}
	return it.Response(), keys, rows, nil
}

func writeRecord(out *csv.Writer, keys Keys, row Row) error {
	record := []string(keys)
	if row != nil {
		record = make([]string, len(row))
		for i, cell := range row {
			record[i] = fmt.Sprint(cell)
		}
	}
	err := out.Write(record)
	if err != nil {
		return err
	}
	out.Flush()
	return out.Error()
}

var sortColPattern = regexp.MustCompile(`sortCol=([^&]*)`)

// parseTable reads the header and body of one page of a data table.
func parseTable(res *Response, doc *goquery.Document, tableID string, extract Extract) (Keys, []Row, error) {
	table := doc.Find(fmt.Sprintf(`table[id="%s"]`, tableID)).First()
	if table.Length() == 0 {
		return nil, nil, NewParseError(fmt.Sprintf("No table with id %q", tableID), res)
	}
	header := table.ChildrenFiltered("thead").First().Find("tr").First()
	if header.Length() == 0 {
		return nil, nil, NewParseError(fmt.Sprintf("Table %q has no header", tableID), res)
	}

	keys := Keys{}
	header.Children().Each(func(_ int, th *goquery.Selection) {
		key := htmlutil.TextContent(th)
		// the header text is localized, the sort column is not
		if href, ok := th.ChildrenFiltered("a.sortheader").First().Attr("href"); ok {
			if groups := sortColPattern.FindStringSubmatch(href); len(groups) == 2 {
				key = groups[1]
			}
		}
		keys = append(keys, key)
	})

	var rows []Row
	var err error
	table.ChildrenFiltered("tbody").ChildrenFiltered("tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		cells := tr.Children()
		n := min(len(keys), cells.Length())
		row := make(Row, n)
		for i := 0; i < n; i++ {
			cell := cells.Eq(i)
			text := htmlutil.TextContent(cell)
			row[i] = text
			if extract != nil {
				row[i], err = extract(keys[i], cell, text)
				if err != nil {
					err = NewParseError(fmt.Sprintf("extract %q: %s", keys[i], err), res)
					return false
				}
			}
		}
		rows = append(rows, row)
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	return keys, rows, nil
}
