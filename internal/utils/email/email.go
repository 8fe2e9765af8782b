package email

import (
	"fmt"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/finpocket/cardvault/internal/config"
)

// Sender handles sending emails via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	return &Sender{
		cfg:    cfg,
		logger: logger,
	}
}

// SendLockoutAlert sends a security alert after repeated failed PIN attempts
func (s *Sender) SendLockoutAlert(to, username string, failures int, until time.Time) error {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{to}
	e.Subject = "Security Alert: PIN Locked"

	body := fmt.Sprintf(
		"Dear %s,\n\n"+
			"Your PIN was entered incorrectly %d times and PIN entry is locked until %s.\n"+
			"If this was not you, freeze your cards from the app immediately.\n",
		username, failures, until.Format("2006-01-02 15:04:05"),
	)
	body += "\nBest regards,\nFinPocket"
	e.Text = []byte(body)

	return s.send(e)
}

// SendTopUpNotification sends a receipt for a confirmed top-up
func (s *Sender) SendTopUpNotification(to, username, cardLast4 string, amount, balance decimal.Decimal, currency string) error {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{to}
	e.Subject = "Top Up Confirmation"

	body := fmt.Sprintf(
		"Dear %s,\n\n"+
			"Your card ending %s has been credited with %s %s.\n"+
			"Transaction time: %s\n"+
			"Current balance: %s %s\n",
		username, cardLast4, amount.StringFixed(2), currency,
		time.Now().Format("2006-01-02 15:04:05"), balance.StringFixed(2), currency,
	)
	body += "\nBest regards,\nFinPocket"
	e.Text = []byte(body)

	return s.send(e)
}

func (s *Sender) send(e *email.Email) error {
	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	var auth smtp.Auth
	if s.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}
	if err := e.Send(addr, auth); err != nil {
		s.logger.Errorf("Failed to send email to %v: %v", e.To, err)
		return fmt.Errorf("failed to send email: %w", err)
	}
	s.logger.Infof("Email sent to %v: %s", e.To, e.Subject)
	return nil
}
