package mail

import (
	"fmt"
	"strings"
	"time"
)

// SendReceipt sends the payment receipt for a settled subscription charge.
// Amount is in minor units.
func SendReceipt(to, name, planID string, amount int64, currency string) error {
	subject := "Your payment receipt"
	body := fmt.Sprintf(
		"<p>Hello %s,</p>"+
			"<p>We received your payment of <strong>%s</strong> for the <strong>%s</strong> plan.</p>"+
			"<p>Thank you for your business.</p>",
		displayName(name), FormatAmount(amount, currency), planID,
	)
	return SendMail(to, subject, body)
}

// SendPaymentFailure sends the dunning notice after a failed charge. When the
// grace deadline is known it is included so the customer knows how long
// access continues.
func SendPaymentFailure(to, name, planID, reason string, graceUntil *time.Time) error {
	subject := "Payment failed for your subscription"
	body := fmt.Sprintf(
		"<p>Hello %s,</p>"+
			"<p>We could not collect the latest payment for your <strong>%s</strong> plan (%s).</p>"+
			"<p>Please update your payment method.</p>",
		displayName(name), planID, failureText(reason),
	)
	if graceUntil != nil {
		body += fmt.Sprintf("<p>Your access continues until %s.</p>", graceUntil.Format("January 2, 2006"))
	}
	return SendMail(to, subject, body)
}

// FormatAmount renders minor units as a human amount, e.g. 9900 USD -> "99.00 USD".
func FormatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, strings.ToUpper(currency))
}

func displayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "there"
	}
	return strings.TrimSpace(name)
}

func failureText(reason string) string {
	if reason == "" {
		return "payment declined"
	}
	return strings.ReplaceAll(reason, "_", " ")
}
