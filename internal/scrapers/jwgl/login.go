// Package jwgl drives the ZF academic administration portal: logging in
// through its captcha protected form and extracting the grade table.
package jwgl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gradewatch/internal/browser"
	"gradewatch/internal/components/assert"
	"gradewatch/internal/components/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	report_login_navigate = "login-session.navigate"
	report_login_captcha  = "login-session.captcha"
	report_login_submit   = "login-session.submit"
	report_login_rejected = "login-session.rejected"
)

const (
	UsernameSelector  = "#txtUserName"
	PasswordSelector  = "#TextBox2"
	CaptchaSelector   = "#txtSecretCode"
	LoginTypeSelector = "#RadioButtonList1_2"
	SubmitSelector    = "#Button1"

	// SuccessMarker is part of the url of the page the portal redirects
	// students to after logging in.
	SuccessMarker = "xs_main"

	DefaultLoginURL    = "http://jwgl.fafu.edu.cn/"
	DefaultMaxAttempts = 10
)

var tracer = telemetry.Tracer("gradewatch/jwgl")

var ErrLoginFailed = errors.New("login failed")

type Credentials struct {
	Username string
	Password string
}

type LoginOutcome int

const (
	Pending LoginOutcome = iota
	Success
	FailedRetryable
	FailedTerminal
)

func (o LoginOutcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case FailedRetryable:
		return "failed-retryable"
	case FailedTerminal:
		return "failed-terminal"
	}
	return fmt.Sprintf("LoginOutcome(%d)", int(o))
}

type LoginResult struct {
	Outcome  LoginOutcome
	Attempts int
}

// ImageSource produces the captcha image shown on the login page.
type ImageSource interface {
	Acquire(ctx context.Context, page browser.Page) ([]byte, bool)
}

// CodeReader turns a captcha image into its code.
type CodeReader interface {
	Recognize(ctx context.Context, img []byte) (string, bool)
}

type LoginOptions struct {
	// LoginURL defaults to DefaultLoginURL.
	LoginURL string
	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int
	// SubmitTimeout bounds the wait for the success marker after the form
	// is submitted, defaults to 4s.
	SubmitTimeout time.Duration
	// PollInterval defaults to 200ms.
	PollInterval time.Duration
}

// LoginSession logs into the portal, retrying with a fresh captcha until it
// succeeds or runs out of attempts.
type LoginSession struct {
	opts     LoginOptions
	captchas ImageSource
	reader   CodeReader
	tel      telemetry.API
}

func NewLoginSession(opts LoginOptions, captchas ImageSource, reader CodeReader, tel telemetry.API) LoginSession {
	assert.NotNil(captchas)
	assert.NotNil(reader)
	assert.NotNil(tel)

	if opts.LoginURL == "" {
		opts.LoginURL = DefaultLoginURL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 4 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}

	return LoginSession{
		opts:     opts,
		captchas: captchas,
		reader:   reader,
		tel:      telemetry.NewScopedAPI("jwgl", tel),
	}
}

// Login runs the login loop on `page`. The returned error wraps
// ErrLoginFailed once every attempt has been consumed, or is the context's
// error if it was cancelled.
func (s LoginSession) Login(ctx context.Context, page browser.Page, creds Credentials) (LoginResult, error) {
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()
	span.SetAttributes(attribute.String("username", creds.Username))

	result := LoginResult{Outcome: Pending}
	for result.Attempts < s.opts.MaxAttempts {
		err := ctx.Err()
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}

		result.Attempts++
		result.Outcome = s.attempt(ctx, page, creds, result.Attempts)
		if result.Outcome == Success {
			span.SetAttributes(attribute.Int("attempts", result.Attempts))
			s.tel.ReportDebug("logged in", creds.Username, result.Attempts)
			return result, nil
		}
	}

	err := ctx.Err()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	result.Outcome = FailedTerminal
	err = fmt.Errorf("%w after %d attempts", ErrLoginFailed, result.Attempts)
	span.SetStatus(codes.Error, err.Error())
	return result, err
}

func (s LoginSession) attempt(ctx context.Context, page browser.Page, creds Credentials, n int) LoginOutcome {
	ctx, span := tracer.Start(ctx, "Login.attempt")
	defer span.End()
	span.SetAttributes(attribute.Int("attempt", n))

	err := page.Navigate(ctx, s.opts.LoginURL)
	if err != nil {
		s.tel.ReportWarning(report_login_navigate, err, n)
		return FailedRetryable
	}

	img, ok := s.captchas.Acquire(ctx, page)
	if !ok {
		s.tel.ReportWarning(report_login_captcha, fmt.Errorf("could not acquire captcha image"), n)
		return FailedRetryable
	}
	code, ok := s.reader.Recognize(ctx, img)
	if !ok {
		s.tel.ReportWarning(report_login_captcha, fmt.Errorf("could not recognize captcha"), n)
		return FailedRetryable
	}

	// drop dialogs left over from the previous attempt
	page.Dialogs()
	err = s.submit(ctx, page, creds, code)
	if err != nil {
		s.tel.ReportWarning(report_login_submit, err, n)
		return FailedRetryable
	}

	loggedIn := browser.Poll(ctx, s.opts.SubmitTimeout, s.opts.PollInterval, func(ctx context.Context) bool {
		current, err := page.URL(ctx)
		return err == nil && strings.Contains(current, SuccessMarker)
	})
	if loggedIn {
		return Success
	}

	s.diagnose(ctx, page, n)
	return FailedRetryable
}

func (s LoginSession) submit(ctx context.Context, page browser.Page, creds Credentials, code string) error {
	fields := []struct {
		selector string
		value    string
	}{
		{UsernameSelector, creds.Username},
		{PasswordSelector, creds.Password},
		{CaptchaSelector, code},
	}
	for _, f := range fields {
		err := page.Fill(ctx, f.selector, f.value)
		if err != nil {
			return fmt.Errorf("fill %s: %w", f.selector, err)
		}
	}

	err := page.Click(ctx, LoginTypeSelector)
	if err != nil {
		return fmt.Errorf("select login type: %w", err)
	}
	err = page.Click(ctx, SubmitSelector)
	if err != nil {
		return fmt.Errorf("click submit: %w", err)
	}
	return nil
}

// diagnose reports why the portal (probably) rejected the login, the portal
// shows its errors through inline alert() calls. The page dismisses the
// dialogs and keeps their messages, inline scripts are only scanned when no
// dialog was seen.
func (s LoginSession) diagnose(ctx context.Context, page browser.Page, n int) {
	title, _ := page.Title(ctx)
	alerts := page.Dialogs()
	if len(alerts) > 0 {
		s.tel.ReportWarning(report_login_rejected, fmt.Errorf("success marker not found"), n, title, alerts)
		return
	}

	scripts, err := page.ScriptTexts(ctx)
	if err != nil {
		s.tel.ReportWarning(report_login_rejected, err, n, title)
		return
	}
	for _, text := range scripts {
		if strings.Contains(text, "alert") {
			alerts = append(alerts, strings.TrimSpace(text))
		}
	}
	s.tel.ReportWarning(report_login_rejected, fmt.Errorf("success marker not found"), n, title, alerts)
}
