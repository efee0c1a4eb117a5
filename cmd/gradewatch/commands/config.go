package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gradewatch/internal/browser"
	"gradewatch/internal/components/telemetry"
	"gradewatch/internal/db"
	"gradewatch/internal/notify"
	"gradewatch/internal/scrapers/jwgl"
	"gradewatch/internal/snapshot"
	"gradewatch/lib/configutil"
)

type DatabaseConfig struct {
	// File is a sqlite file or a libsql url, the run history and the grade
	// snapshot are kept there instead of GradesFile when set.
	File string `json:"file"`
}

type BrowserConfig struct {
	Headful  bool   `json:"headful"`
	ExecPath string `json:"exec_path"`
}

type Config struct {
	Username   string             `json:"username"`
	Password   string             `json:"password"`
	WebhookURL string             `json:"webhook_url"`
	LoginURL   string             `json:"login_url"`
	GradesFile string             `json:"grades_file"`
	Database   DatabaseConfig     `json:"database"`
	Browser    BrowserConfig      `json:"browser"`
	Smtp       notify.EmailConfig `json:"smtp"`
}

func (c Config) Credentials() jwgl.Credentials {
	return jwgl.Credentials{Username: c.Username, Password: c.Password}
}

// envConfig reads the settings that can be given through the environment.
func envConfig(getenv func(string) string) (Config, error) {
	cfg := Config{
		Username:   getenv("JW_USERNAME"),
		Password:   getenv("JW_PASSWORD"),
		WebhookURL: getenv("FEISHU_WEBHOOK"),
		LoginURL:   getenv("JW_LOGIN_URL"),
		GradesFile: getenv("GRADES_FILE"),
		Database: DatabaseConfig{
			File: getenv("GRADEWATCH_DB"),
		},
		Smtp: notify.EmailConfig{
			Server:       getenv("SMTP_SERVER"),
			EmailAddress: getenv("SMTP_USERNAME"),
			Password:     getenv("SMTP_PASSWORD"),
		},
	}

	if port := getenv("SMTP_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("SMTP_PORT: %w", err)
		}
		cfg.Smtp.Port = n
	}
	if to := getenv("SMTP_TO"); to != "" {
		for _, addr := range strings.Split(to, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				cfg.Smtp.To = append(cfg.Smtp.To, addr)
			}
		}
	}
	return cfg, nil
}

// loadConfig merges the config file (optional) with the environment, which
// takes precedence, then fills in defaults.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	env, err := envConfig(getenv)
	if err != nil {
		return Config{}, err
	}
	cfg, err = configutil.Overlay(cfg, env)
	if err != nil {
		return Config{}, err
	}

	if cfg.LoginURL == "" {
		cfg.LoginURL = jwgl.DefaultLoginURL
	}
	if cfg.GradesFile == "" {
		cfg.GradesFile = snapshot.DefaultFile
	}
	return cfg, nil
}

// storage is where the snapshot (and optionally the run history) is kept.
type storage struct {
	store   snapshot.Store
	history snapshot.History
	close   func()
}

func openStorage(ctx context.Context, cfg Config, tel telemetry.API) (storage, error) {
	if cfg.Database.File == "" {
		return storage{
			store: snapshot.NewFileStore(cfg.GradesFile),
			close: func() {},
		}, nil
	}

	database, err := db.Open(ctx, cfg.Database.File)
	if err != nil {
		return storage{}, err
	}
	store := snapshot.NewSQLStore(database, tel)
	return storage{
		store:   store,
		history: store,
		close:   func() { database.Close() },
	}, nil
}

func browserOptions(cfg Config) browser.Options {
	return browser.Options{
		Headful:  cfg.Browser.Headful,
		ExecPath: cfg.Browser.ExecPath,
	}
}
