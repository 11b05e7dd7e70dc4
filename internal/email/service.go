// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"success/api/internal/logging"
)

var ErrNotConfigured = errors.New("email not configured")

const appName = "SUCCESS"

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Message is one outgoing HTML e-mail. Text is the plain-text alternative.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
	// Headers are added verbatim, e.g. List-Unsubscribe.
	Headers map[string]string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	logger   *zap.Logger
	sendMail sendFunc
	now      func() time.Time
}

// NewService creates a new email service
func NewService(config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	if config.FromName == "" {
		config.FromName = appName
	}
	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		logger:   logger.Named("email"),
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Send delivers msg as multipart/alternative.
func (s *Service) Send(msg Message) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(msg.To) == 0 {
		return errors.New("email has no recipients")
	}
	raw := s.build(msg)
	if err := s.sendMail(s.server, s.auth, s.config.From, msg.To, raw); err != nil {
		s.logger.Warn("smtp send failed",
			logging.Email("to", strings.Join(msg.To, ",")),
			zap.Error(err),
		)
		return fmt.Errorf("send mail: %w", err)
	}
	s.logger.Debug("email sent",
		logging.Email("to", strings.Join(msg.To, ",")),
		zap.String("subject", msg.Subject),
	)
	return nil
}

func (s *Service) build(m Message) []byte {
	from := fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	boundary := fmt.Sprintf("success-%d", s.now().UnixNano())
	text := m.Text
	if text == "" {
		text = "Please view this email in an HTML-capable email client."
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	for k, v := range m.Headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", text)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", m.HTML)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

// SendVerificationEmail sends an email verification email
func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	html, err := renderTemplate(verificationEmailTemplate, VerificationData{
		AppName:         appName,
		UserName:        userName,
		VerificationURL: verificationURL,
	})
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}
	return s.Send(Message{
		To:      []string{to},
		Subject: "Verify your " + appName + " account",
		HTML:    html,
		Text:    "Verify your email address: " + verificationURL,
	})
}

// SendPasswordResetEmail sends a password reset email
func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	html, err := renderTemplate(passwordResetEmailTemplate, PasswordResetData{
		AppName:  appName,
		UserName: userName,
		ResetURL: resetURL,
	})
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	return s.Send(Message{
		To:      []string{to},
		Subject: "Reset your " + appName + " password",
		HTML:    html,
		Text:    "Reset your password: " + resetURL,
	})
}

// MarketingData fills the wrapper used for campaign and sequence mail.
type MarketingData struct {
	AppName        string
	FirstName      string
	Body           template.HTML
	UnsubscribeURL string
}

// SendMarketing wraps a campaign or sequence body in the marketing layout.
// {{first_name}} in subject or body is replaced with the recipient's first name.
func (s *Service) SendMarketing(to, firstName, subject, body, unsubscribeURL string) error {
	name := firstName
	if name == "" {
		name = "there"
	}
	personalize := strings.NewReplacer("{{first_name}}", template.HTMLEscapeString(name))
	html, err := renderTemplate(marketingEmailTemplate, MarketingData{
		AppName:        appName,
		FirstName:      name,
		Body:           template.HTML(personalize.Replace(body)),
		UnsubscribeURL: unsubscribeURL,
	})
	if err != nil {
		return fmt.Errorf("render marketing template: %w", err)
	}
	msg := Message{
		To:      []string{to},
		Subject: strings.ReplaceAll(subject, "{{first_name}}", name),
		HTML:    html,
	}
	if unsubscribeURL != "" {
		msg.Headers = map[string]string{"List-Unsubscribe": "<" + unsubscribeURL + ">"}
	}
	return s.Send(msg)
}

var templateCache = map[string]*template.Template{
	verificationEmailTemplate:  template.Must(template.New("verification").Parse(verificationEmailTemplate)),
	passwordResetEmailTemplate: template.Must(template.New("reset").Parse(passwordResetEmailTemplate)),
	marketingEmailTemplate:     template.Must(template.New("marketing").Parse(marketingEmailTemplate)),
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, ok := templateCache[tmpl]
	if !ok {
		var err error
		if t, err = template.New("email").Parse(tmpl); err != nil {
			return "", err
		}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const baseStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #111; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #111; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }`

const verificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>` + baseStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>Welcome, {{.UserName}}!</h2>
    <p>Thank you for signing up. Please verify your email address to activate your account.</p>
    <p><a href="{{.VerificationURL}}" class="button">Verify Email Address</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerificationURL}}</p>
    <p>This verification link will expire in 24 hours.</p>
    <div class="footer">
        <p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>` + baseStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>Password Reset Request</h2>
    <p>Hi {{.UserName}},</p>
    <p>We received a request to reset your password. Click the button below to create a new password:</p>
    <p><a href="{{.ResetURL}}" class="button">Reset Password</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ResetURL}}</p>
    <p><strong>Important:</strong> This reset link will expire in 1 hour.</p>
    <div class="footer">
        <p>If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.</p>
    </div>
</body>
</html>`

const marketingEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>` + baseStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    {{.Body}}
    <div class="footer">
        <p>You are receiving this because you subscribed to {{.AppName}}.</p>
        {{if .UnsubscribeURL}}<p><a href="{{.UnsubscribeURL}}">Unsubscribe</a></p>{{end}}
    </div>
</body>
</html>`
