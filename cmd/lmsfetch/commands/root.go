package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"lmsfetch/internal/components/chrono"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/credentials"
	"lmsfetch/internal/scrapers/lms"
	"lmsfetch/internal/tablecache"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const (
	report_cli_parse_error = "cli.save-parse-error"
	report_cli_forget      = "cli.forget-password"
	report_cli_close       = "cli.close"
	report_cli_cache       = "cli.cache"
)

type globalFlags struct {
	config    string
	username  string
	course    string
	cookieJar string
	dumpHttp  string
	quiet     bool
	verbose   bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "lmsfetch",
	Short: "lmsfetch reads course data from Blackboard and submits grades.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.config, "config", "lmsfetch.json5", "The config file, <name>.local.json5 overrides it.")
	pf.StringVarP(&flags.username, "username", "u", "", "The identity provider username.")
	pf.StringVar(&flags.course, "course", "", "The course id, ex. _12345_1.")
	pf.StringVar(&flags.cookieJar, "cookiejar", "", "The cookie file (default cookies.txt).")
	pf.StringVar(&flags.dumpHttp, "dump-http", "", "Write every request and response to this directory, passwords are redacted.")
	pf.BoolVarP(&flags.quiet, "quiet", "q", false, "Only log to the log file.")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Log debug messages.")
}

func ExecuteContext(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// app is everything a command gets to work with, see run.
type app struct {
	cfg   Config
	tel   telemetry.API
	clock chrono.API
	out   io.Writer

	session  *lms.Session
	cache    *tablecache.Cache
	fallback *tablecache.Fallback

	logFile io.Closer
}

func newApp(out io.Writer) (*app, error) {
	cfg, err := loadConfig(flags.config, flags)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	logFile := telemetry.InitSlog(telemetry.LogOptions{
		Verbose: flags.verbose,
		Quiet:   flags.quiet,
		File:    cfg.LogFile,
	})
	tel := telemetry.SlogAPI{}

	var creds lms.Credentials
	if cfg.PassEntry != "" {
		creds = credentials.PassStore{Username: cfg.Username, Entry: cfg.PassEntry}
	} else {
		creds = credentials.NewKeyring(cfg.Username, credentials.NewTerminal())
	}

	session, err := lms.NewSession(lms.Options{
		Site:              cfg.Site,
		CookieJar:         cfg.CookieJar,
		CourseID:          cfg.Course,
		Credentials:       creds,
		RequestsPerSecond: cfg.RequestsPerSecond,
		CloudflareBypass:  cfg.CloudflareBypass,
		DumpDir:           flags.dumpHttp,
	}, tel)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	cache, err := tablecache.Open(cfg.Cache, cfg.Site.BaseUrl, tel)
	if err != nil {
		session.Close()
		logFile.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		tel:      tel,
		clock:    chrono.StandardImpl{},
		out:      out,
		session:  session,
		cache:    cache,
		fallback: tablecache.NewFallback(cache, tel),
		logFile:  logFile,
	}, nil
}

// report dumps unparseable pages and forgets rejected passwords.
func (a *app) report(err error) error {
	var parseErr *lms.ParseError
	if errors.As(err, &parseErr) {
		filename, saveErr := parseErr.Save(a.cfg.ErrorDir, a.clock.Now())
		if saveErr != nil {
			a.tel.ReportBroken(report_cli_parse_error, saveErr)
		} else {
			err = fmt.Errorf("%w (page saved to %s)", err, filename)
		}
	}
	if errors.Is(err, lms.ErrBadAuth) {
		forgetErr := a.session.ForgetPassword()
		if forgetErr != nil && !errors.Is(forgetErr, credentials.ErrForgetUnsupported) {
			a.tel.ReportWarning(report_cli_forget, forgetErr)
		}
	}
	return err
}

// finish reports err and saves the cookies, whatever happened.
func (a *app) finish(err error) error {
	err = a.report(err)
	if closeErr := a.session.Close(); closeErr != nil {
		a.tel.ReportBroken(report_cli_close, "cookies", closeErr)
		err = errors.Join(err, closeErr)
	}
	if closeErr := a.cache.Close(); closeErr != nil {
		a.tel.ReportBroken(report_cli_close, "cache", closeErr)
	}
	a.logFile.Close()
	return err
}

func (a *app) course() (string, error) {
	if a.cfg.Course == "" {
		return "", errors.New("no course, pass --course or set \"course\" in the config file")
	}
	return a.cfg.Course, nil
}

// stale tells the user they are looking at an offline copy.
func (a *app) stale(stale bool, fetchedAt time.Time) {
	switch {
	case !stale:
	case fetchedAt.IsZero():
		fmt.Fprintln(a.out, "LMS unreachable, showing cached copy")
	default:
		fmt.Fprintf(a.out, "LMS unreachable, showing copy from %s\n", fetchedAt.Format(time.DateTime))
	}
}

func (a *app) render(header table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(a.out)
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// cacheKey is where documents that have no url of their own are cached.
func cacheKey(kind, course string) string {
	return "/lmsfetch/" + kind + "?course_id=" + url.QueryEscape(course)
}

type runFunc func(ctx context.Context, a *app, args []string) error

// run wraps a command so it gets an app and always saves its cookies.
func run(fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		return a.finish(fn(cmd.Context(), a, args))
	}
}
