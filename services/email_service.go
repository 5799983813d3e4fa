package services

import (
	"crypto/tls"
	"fmt"
	"log"
	"net/smtp"
	"os"
	"strings"
)

// EmailService handles sending payment lifecycle emails via SMTP. All sends
// are best-effort: callers log failures and move on, a bounced warning must
// never roll back a payment-state transition.
type EmailService struct {
	host     string
	port     int
	username string
	password string
	from     string
	appURL   string
}

// NewEmailService creates a new email service instance
func NewEmailService() *EmailService {
	port := 587
	if p := os.Getenv("SMTP_PORT"); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}

	return &EmailService{
		host:     getEnvOrDefault("SMTP_HOST", "smtp.gmail.com"),
		port:     port,
		username: os.Getenv("SMTP_USERNAME"),
		password: os.Getenv("SMTP_PASSWORD"),
		from:     getEnvOrDefault("SMTP_FROM", "noreply@lessonloop.app"),
		appURL:   getEnvOrDefault("APP_URL", "http://localhost:3000"),
	}
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// IsConfigured checks if SMTP is properly configured
func (e *EmailService) IsConfigured() bool {
	return e.username != "" && e.password != ""
}

// SendPaymentFailedNotification tells the student their card could not be
// authorized and how to fix it.
func (e *EmailService) SendPaymentFailedNotification(toEmail, userName, lessonDate string) error {
	if !e.IsConfigured() {
		log.Printf("SMTP not configured. Payment-failed mail for %s skipped", toEmail)
		return fmt.Errorf("SMTP not configured")
	}

	subject := "Action needed: payment failed for your upcoming lesson"
	body := e.buildPaymentEmailBody(userName,
		"We couldn't charge your card",
		fmt.Sprintf("We were unable to authorize payment for your lesson on %s. Please update your payment method so we can try again.", lessonDate),
		fmt.Sprintf("%s/settings/payment", e.appURL), "Update payment method")

	return e.sendEmail(toEmail, subject, body)
}

// SendFinalPaymentWarning is the last warning before the booking is cancelled
func (e *EmailService) SendFinalPaymentWarning(toEmail, userName, lessonDate string) error {
	if !e.IsConfigured() {
		log.Printf("SMTP not configured. Final payment warning for %s skipped", toEmail)
		return fmt.Errorf("SMTP not configured")
	}

	subject := "Final warning: your lesson will be cancelled"
	body := e.buildPaymentEmailBody(userName,
		"Your lesson is about to be cancelled",
		fmt.Sprintf("Payment for your lesson on %s still hasn't gone through. If we can't authorize your card before the payment deadline, the booking will be cancelled automatically.", lessonDate),
		fmt.Sprintf("%s/settings/payment", e.appURL), "Fix payment now")

	return e.sendEmail(toEmail, subject, body)
}

// SendBookingCancelledPaymentFailed confirms the booking was cancelled after
// the authorization deadline passed.
func (e *EmailService) SendBookingCancelledPaymentFailed(toEmail, userName, lessonDate string) error {
	if !e.IsConfigured() {
		log.Printf("SMTP not configured. Cancellation mail for %s skipped", toEmail)
		return fmt.Errorf("SMTP not configured")
	}

	subject := "Your lesson was cancelled - payment failed"
	body := e.buildPaymentEmailBody(userName,
		"Your lesson was cancelled",
		fmt.Sprintf("We couldn't authorize payment for your lesson on %s before the deadline, so the booking has been cancelled. Any reserved credits were returned to your balance.", lessonDate),
		fmt.Sprintf("%s/instructors", e.appURL), "Book another lesson")

	return e.sendEmail(toEmail, subject, body)
}

// buildPaymentEmailBody creates the shared HTML shell for payment emails
func (e *EmailService) buildPaymentEmailBody(userName, heading, message, ctaLink, ctaText string) string {
	if userName == "" {
		userName = "there"
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%s - LessonLoop</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background-color: #f4f4f4;
            margin: 0;
            padding: 0;
        }
        .container {
            max-width: 600px;
            margin: 30px auto;
            background-color: #ffffff;
            border-radius: 8px;
            padding: 40px;
        }
        h2 {
            color: #1a3a5c;
            margin-top: 0;
        }
        .button {
            display: inline-block;
            background-color: #1a3a5c;
            color: #ffffff !important;
            padding: 14px 28px;
            text-decoration: none;
            border-radius: 6px;
            font-weight: 600;
            margin: 20px 0;
        }
        .footer {
            margin-top: 30px;
            padding-top: 20px;
            border-top: 1px solid #eee;
            font-size: 12px;
            color: #666;
            text-align: center;
        }
    </style>
</head>
<body>
    <div class="container">
        <h2>%s</h2>
        <p>Hi %s,</p>
        <p>%s</p>
        <a href="%s" class="button">%s</a>
        <div class="footer">
            <p>LessonLoop &middot; lessons that fit your schedule</p>
        </div>
    </div>
</body>
</html>`, heading, heading, userName, message, ctaLink, ctaText)
}

func (e *EmailService) sendEmail(to, subject, htmlBody string) error {
	// Build the email message with proper headers
	headers := make(map[string]string)
	headers["From"] = fmt.Sprintf("LessonLoop <%s>", e.from)
	headers["Reply-To"] = "support@lessonloop.app"
	headers["To"] = to
	headers["Subject"] = subject
	headers["MIME-Version"] = "1.0"
	headers["Content-Type"] = "text/html; charset=UTF-8"
	headers["X-Mailer"] = "LessonLoop Mailer"

	var message strings.Builder
	for k, v := range headers {
		message.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	message.WriteString("\r\n")
	message.WriteString(htmlBody)

	// Connect to the SMTP server
	addr := fmt.Sprintf("%s:%d", e.host, e.port)
	auth := smtp.PlainAuth("", e.username, e.password, e.host)

	tlsConfig := &tls.Config{
		InsecureSkipVerify: false,
		ServerName:         e.host,
	}

	conn, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	if err := conn.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("failed to start TLS: %w", err)
	}

	if err := conn.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}

	if err := conn.Mail(e.from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}

	if err := conn.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	w, err := conn.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}

	if _, err = w.Write([]byte(message.String())); err != nil {
		return fmt.Errorf("failed to write email body: %w", err)
	}

	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	conn.Quit()

	log.Printf("Email %q sent to: %s", subject, to)
	return nil
}
