package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"cadence/models"
	"cadence/utils"
)

// SMTPSender delivers through the account's own SMTP credentials.
type SMTPSender struct {
	// Timeout bounds one DialAndSend; an overrun is a retryable transient
	// failure, never treated as success.
	Timeout time.Duration
}

func NewSMTPSender(timeout time.Duration) *SMTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPSender{Timeout: timeout}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message, account *models.EmailAccount) (SendResult, error) {
	password, err := utils.Decrypt(account.SMTPPassword)
	if err != nil {
		return SendResult{Status: "failed"}, Permanentf("failed to decrypt SMTP password", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", account.FromName, account.FromEmail))
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-Id", fmt.Sprintf("<%s@%s>", msg.MessageID, account.Domain()))
	m.SetBody("text/html", msg.HTMLBody)

	d := gomail.NewDialer(account.SMTPHost, account.SMTPPort, account.SMTPUsername, password)
	switch strings.ToUpper(account.Encryption) {
	case "SSL", "TLS":
		d.SSL = true
	}
	d.TLSConfig = &tls.Config{ServerName: account.SMTPHost}

	// gomail has no context support; run the dial in its own goroutine and
	// abandon it on timeout.
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return SendResult{Status: "failed"}, Transientf("send timed out", ctx.Err())
	case err := <-done:
		if err != nil {
			return SendResult{Status: "failed"}, Classify(err)
		}
	}
	return SendResult{MessageID: msg.MessageID, Status: "sent"}, nil
}
