package commands

import (
	"lmsfetch/internal/gradebook"
	"lmsfetch/internal/scrapers/lms"
	"lmsfetch/lib/configutil"

	"github.com/mitchellh/go-homedir"
)

type SyncConfig struct {
	// Schedule is a cron spec, ex. "@every 30m" or "0 8 * * 1-5".
	Schedule string `json:"schedule"`
}

type Config struct {
	Username string `json:"username"`
	Course   string `json:"course"`
	// PassEntry reads the password from pass(1) instead of the keyring.
	PassEntry string `json:"pass_entry"`

	CookieJar string `json:"cookiejar"`
	Cache     string `json:"cache"`
	LogFile   string `json:"log_file"`
	// ErrorDir is where unparseable pages are dumped.
	ErrorDir string `json:"error_dir"`

	RequestsPerSecond float64 `json:"requests_per_second"`
	CloudflareBypass  bool    `json:"cloudflare_bypass"`

	Site   lms.Site         `json:"site"`
	Policy gradebook.Policy `json:"policy"`
	Sync   SyncConfig       `json:"sync"`
}

func defaultConfig() Config {
	return Config{
		CookieJar:         "cookies.txt",
		Cache:             "lmsfetch.db",
		LogFile:           "fetch.log",
		ErrorDir:          ".",
		RequestsPerSecond: 4,
		Site:              lms.DefaultSite(),
		Sync:              SyncConfig{Schedule: "@every 30m"},
	}
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(name string, flags globalFlags) (Config, error) {
	cfg, err := configutil.ReadConfig(name, defaultConfig())
	if err != nil {
		return cfg, err
	}

	if flags.username != "" {
		cfg.Username = flags.username
	}
	if flags.course != "" {
		cfg.Course = flags.course
	}
	if flags.cookieJar != "" {
		cfg.CookieJar = flags.cookieJar
	}

	for _, path := range []*string{&cfg.CookieJar, &cfg.Cache, &cfg.LogFile, &cfg.ErrorDir} {
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return cfg, err
		}
		*path = expanded
	}
	return cfg, cfg.Policy.Validate()
}
