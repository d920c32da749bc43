package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"
)

// Rendered is a message rendered for delivery
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

type messageTemplates struct {
	subject string
	text    *template.Template
	html    *htmltemplate.Template
}

var templates = map[Purpose]messageTemplates{
	PurposeInvitation: {
		subject: "You have been invited to the backoffice",
		text: template.Must(template.New("invitation.txt").Parse(
			"You have been invited to join an organization in the backoffice.\n\n" +
				"Accept the invitation: {{.URL}}\n\n" +
				"This link expires in {{.ExpiresInMinutes}} minutes.\n")),
		html: htmltemplate.Must(htmltemplate.New("invitation.html").Parse(
			`<html><body>
<h2>You have been invited to the backoffice</h2>
<p><a href="{{.URL}}">Accept the invitation</a></p>
<p>Or copy this link to your browser: {{.URL}}</p>
<p>This link expires in {{.ExpiresInMinutes}} minutes.</p>
</body></html>`)),
	},
	PurposeMagicLink: {
		subject: "Complete your backoffice account setup",
		text: template.Must(template.New("magic_link.txt").Parse(
			"Sign in to finish setting up your account: {{.URL}}\n\n" +
				"This link expires in {{.ExpiresInMinutes}} minutes.\n")),
		html: htmltemplate.Must(htmltemplate.New("magic_link.html").Parse(
			`<html><body>
<h2>Complete your account setup</h2>
<p><a href="{{.URL}}">Sign in</a></p>
<p>Or copy this link to your browser: {{.URL}}</p>
<p>This link expires in {{.ExpiresInMinutes}} minutes.</p>
</body></html>`)),
	},
	PurposePasswordReset: {
		subject: "Reset your backoffice password",
		text: template.Must(template.New("password_reset.txt").Parse(
			"A password reset was requested for your account.\n\n" +
				"Reset your password: {{.URL}}\n\n" +
				"This link expires in {{.ExpiresInMinutes}} minutes. " +
				"If you did not request it, ignore this email.\n")),
		html: htmltemplate.Must(htmltemplate.New("password_reset.html").Parse(
			`<html><body>
<h2>Reset your password</h2>
<p><a href="{{.URL}}">Reset password</a></p>
<p>This link expires in {{.ExpiresInMinutes}} minutes.</p>
<p>If you did not request a password reset, ignore this email.</p>
</body></html>`)),
	},
}

// Render produces the subject and bodies for msg
func Render(msg Message) (*Rendered, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	tmpl := templates[msg.Purpose]

	var text, html bytes.Buffer
	if err := tmpl.text.Execute(&text, msg); err != nil {
		return nil, fmt.Errorf("failed to render %s text: %w", msg.Purpose, err)
	}
	if err := tmpl.html.Execute(&html, msg); err != nil {
		return nil, fmt.Errorf("failed to render %s html: %w", msg.Purpose, err)
	}

	return &Rendered{
		Subject: tmpl.subject,
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
