package email

import (
	"fmt"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"

	"github.com/vaultcard/vaultcard-service/internal/config"
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

// SendFundingConfirmation notifies the user that a funding transaction
// completed and their balance was credited
func (s *Sender) SendFundingConfirmation(to, username string, amountCents, balanceCents int64, currency string) error {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{to}
	e.Subject = "Funding Confirmation"

	body := fmt.Sprintf(
		"Dear %s,\n\n"+
			"Your account has been credited with %.2f %s.\n"+
			"Transaction time: %s\n"+
			"Current balance: %.2f %s\n"+
			"\nBest regards,\nVaultCard",
		username,
		float64(amountCents)/100, currency,
		time.Now().Format("2006-01-02 15:04:05"),
		float64(balanceCents)/100, currency,
	)
	e.Text = []byte(body)

	return s.send(e, to)
}

// SendFundingFailure notifies the user that a funding attempt was declined
func (s *Sender) SendFundingFailure(to, username string, amountCents int64, currency, reason string) error {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{to}
	e.Subject = "Funding Failed"

	body := fmt.Sprintf(
		"Dear %s,\n\n"+
			"Your funding attempt of %.2f %s could not be completed.\n",
		username, float64(amountCents)/100, currency,
	)
	if reason != "" {
		body += fmt.Sprintf("Reason: %s\n", reason)
	}
	body += "No funds were taken from your payment method.\n\nBest regards,\nVaultCard"
	e.Text = []byte(body)

	return s.send(e, to)
}

func (s *Sender) send(e *email.Email, to string) error {
	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	auth := smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	if err := e.Send(addr, auth); err != nil {
		s.logger.Errorf("Failed to send email to %s: %v", to, err)
		return fmt.Errorf("failed to send email: %w", err)
	}
	s.logger.Infof("Email sent to %s: %s", to, e.Subject)
	return nil
}
