package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"gradewatch/internal/components/assert"
	"gradewatch/internal/components/telemetry"
	"gradewatch/internal/snapshot"

	"github.com/jordan-wright/email"
)

const (
	report_email_send = "email.send"
)

type EmailConfig struct {
	Server       string   `json:"server"`
	Port         int      `json:"port"`
	EmailAddress string   `json:"email_address"`
	Password     string   `json:"password"`
	To           []string `json:"to"`
}

// Enabled reports whether enough is configured to send mail.
func (c EmailConfig) Enabled() bool {
	return c.Server != "" && c.EmailAddress != "" && len(c.To) > 0
}

// Email sends new grades over smtp.
type Email struct {
	config EmailConfig
	send   func(mail *email.Email, addr string, auth smtp.Auth) error
	tel    telemetry.API
}

func NewEmail(config EmailConfig, tel telemetry.API) Email {
	assert.NotNil(tel)

	if config.Port == 0 {
		config.Port = 587
	}
	return Email{
		config: config,
		send: func(mail *email.Email, addr string, auth smtp.Auth) error {
			return mail.Send(addr, auth)
		},
		tel: telemetry.NewScopedAPI("notify", tel),
	}
}

func (e Email) message(records []snapshot.GradeRecord) *email.Email {
	mail := email.NewEmail()
	mail.From = fmt.Sprintf("gradewatch <%s>", e.config.EmailAddress)
	mail.To = e.config.To
	mail.Subject = fmt.Sprintf("发现 %d 门新成绩", len(records))
	mail.Text = []byte(FormatMessage(records))
	return mail
}

func (e Email) Notify(ctx context.Context, records []snapshot.GradeRecord) {
	if !e.config.Enabled() || len(records) == 0 {
		return
	}

	mail := e.message(records)
	addr := fmt.Sprintf("%s:%d", e.config.Server, e.config.Port)
	err := e.send(
		mail,
		addr,
		smtp.PlainAuth("", e.config.EmailAddress, e.config.Password, e.config.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = e.send(mail, addr, nil)
	}
	if err != nil {
		e.tel.ReportWarning(report_email_send, err, addr)
		return
	}
	e.tel.ReportDebug("email notified", len(records), e.config.To)
}
