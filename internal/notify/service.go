// Package notify sends email notifications for collision and merger events.
package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service sends notification emails. All sends are best effort; callers
// fire-and-forget and log failures.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new notification service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if SMTP is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("notifications not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email with a plain text fallback part
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("notifications not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-memoir"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// CollisionData holds data for the collision notification template
type CollisionData struct {
	AppName    string
	UserName   string
	EventTitle string
	Others     string
}

// MergerData holds data for merger notification templates
type MergerData struct {
	AppName    string
	UserName   string
	EventTitle string
	Initiator  string
}

// SendCollisionDetected tells a user a shared memory was found.
func (s *Service) SendCollisionDetected(to, userName, eventTitle string, others []string) error {
	data := CollisionData{
		AppName:    "Memoir",
		UserName:   userName,
		EventTitle: eventTitle,
		Others:     strings.Join(others, ", "),
	}

	subject := fmt.Sprintf("You share a memory: %s", eventTitle)
	html, err := renderTemplate(collisionEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render collision template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendMergerProposed invites a participant to contribute their perspective.
func (s *Service) SendMergerProposed(to, userName, eventTitle, initiator string) error {
	data := MergerData{
		AppName:    "Memoir",
		UserName:   userName,
		EventTitle: eventTitle,
		Initiator:  initiator,
	}

	subject := fmt.Sprintf("Help tell the story of %s", eventTitle)
	html, err := renderTemplate(mergerProposedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render merger proposal template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendStoryPublished tells participants their merged story went live.
func (s *Service) SendStoryPublished(to, userName, eventTitle string) error {
	data := MergerData{
		AppName:    "Memoir",
		UserName:   userName,
		EventTitle: eventTitle,
	}

	subject := fmt.Sprintf("Your story %q is published", eventTitle)
	html, err := renderTemplate(storyPublishedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render published template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const collisionEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} found a shared memory</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #7a4fbd; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>It looks like you and {{.Others}} were at the same place at the same time:</p>

    <p><strong>{{.EventTitle}}</strong></p>

    <p>Open {{.AppName}} to see the shared memory and decide whether to merge your stories.</p>

    <div class="footer">
        <p>You receive this because memory matching is enabled on your account.</p>
    </div>
</body>
</html>`

const mergerProposedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} story invitation</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #7a4fbd; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>{{.Initiator}} wants to merge memories of <strong>{{.EventTitle}}</strong> into a shared story and invited you to add your perspective.</p>

    <p>The story publishes only after every participant approves.</p>

    <div class="footer">
        <p>If you don't recognize this event, you can decline in the app.</p>
    </div>
</body>
</html>`

const storyPublishedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} story published</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #7a4fbd; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>Your merged story <strong>{{.EventTitle}}</strong> is now live in the marketplace. Revenue from sales is split equally between all contributors.</p>

    <div class="footer">
        <p>You receive this because you contributed a perspective to this story.</p>
    </div>
</body>
</html>`
