package commands

import (
	"context"
	"log/slog"
	"os"

	"gradewatch/internal/browser"
	"gradewatch/internal/captcha"
	"gradewatch/internal/components/chrono"
	"gradewatch/internal/components/telemetry"
	"gradewatch/internal/notify"
	"gradewatch/internal/scrapers/jwgl"
	"gradewatch/internal/snapshot"
	"gradewatch/internal/watcher"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check [--debug]",
	Short: "Logs into the portal once, diffs the grade table and notifies about new grades.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cfg, err := loadConfig(*configPath, os.Getenv)
		if err != nil {
			fatal("failed to read config", err)
		}

		t, err := telemetry.SetupFromEnv(ctx, "gradewatch")
		if err != nil {
			fatal("failed to setup telemetry", err)
		}

		var result watcher.Result
		err = withTelemetry(t, func() error {
			result, err = check(ctx, cfg, telemetry.SlogAPI{})
			return err
		})
		if err != nil {
			fatal("check failed", err)
		}
		slog.Info(
			"check finished",
			"attempts", result.Run.Attempts,
			"extracted", result.Run.Extracted,
			"new_grades", result.Run.NewGrades,
		)
	},
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// withTelemetry runs fn and shuts telemetry down before returning, fatal
// exits the process without running deferred calls.
func withTelemetry(t shutdowner, fn func() error) error {
	err := fn()
	if shutdownErr := t.Shutdown(context.Background()); shutdownErr != nil {
		slog.Warn("failed to shutdown telemetry", "err", shutdownErr)
	}
	return err
}

func notifiers(cfg Config, tel telemetry.API) notify.Multi {
	out := notify.Multi{notify.NewWebhook(cfg.WebhookURL, tel)}
	if cfg.Smtp.Enabled() {
		out = append(out, notify.NewEmail(cfg.Smtp, tel))
	}
	return out
}

func check(ctx context.Context, cfg Config, tel telemetry.API) (watcher.Result, error) {
	creds := cfg.Credentials()
	if creds.Username == "" || creds.Password == "" {
		return watcher.Result{}, watcher.ErrMissingCredentials
	}

	clock, err := chrono.NewStandardImpl()
	if err != nil {
		return watcher.Result{}, err
	}

	storage, err := openStorage(ctx, cfg, tel)
	if err != nil {
		return watcher.Result{}, err
	}
	defer storage.close()

	engines := captcha.NewEngineHolder(captcha.NewTesseract)
	defer engines.Close()

	login := jwgl.NewLoginSession(
		jwgl.LoginOptions{LoginURL: cfg.LoginURL},
		captcha.NewAcquirer(captcha.AcquirerOptions{}, tel),
		captcha.NewRecognizer(engines, "", tel),
		tel,
	)
	extractor := jwgl.NewGradeExtractor(jwgl.ExtractorOptions{}, tel)
	differ := snapshot.NewDiffer(storage.store, notifiers(cfg, tel), tel)

	launch := func(ctx context.Context) (browser.Page, func(), error) {
		page, closeBrowser, err := browser.Launch(ctx, browserOptions(cfg), tel)
		if err != nil {
			return nil, nil, err
		}
		return page, closeBrowser, nil
	}

	w := watcher.NewWatcher(launch, login, extractor, differ, storage.history, clock, tel)
	return w.Run(ctx, creds)
}
