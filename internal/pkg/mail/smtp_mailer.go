package mail

import (
	"fmt"
	"log"
	"net/smtp"

	"github.com/logos-ecosystem/logos-billing/internal/pkg/env"
)

// SendMail delivers one HTML email through the configured SMTP relay. Billing
// notifications go out with the configured display name so receipts and
// dunning notices are recognizable in the customer's inbox.
func SendMail(to string, subject string, body string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "587")
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")
	sender := env.GetEnv("SMTP_SENDER", "")
	fromName := env.GetEnv("SMTP_FROM_NAME", "LOGOS Billing")

	if sender == "" {
		sender = "billing@localhost"
		log.Printf("SMTP_SENDER not set, using default sender: %s", sender)
	}

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	addr := fmt.Sprintf("%s:%s", host, port)

	msg := []byte(
		fmt.Sprintf("From: %s <%s>\r\nTo: %s\r\nSubject: %s\r\n", fromName, sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	err := smtp.SendMail(addr, auth, sender, []string{to}, msg)
	if err != nil {
		log.Printf("SMTP send error: %v", err)
	} else {
		log.Printf("Email sent to %s via %s", to, addr)
	}
	return err
}
