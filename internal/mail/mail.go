// Package mail builds the outbound auth messages and hands them to a transport.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
)

// Transport delivers a single HTML message.
type Transport interface {
	Send(ctx context.Context, to, subject, html string) error
}

var (
	verifyTmpl = template.Must(template.New("verify").Parse(
		`<a href="{{.Link}}">Verify</a>`))
	resetTmpl = template.Must(template.New("reset").Parse(
		`<a href="{{.Link}}">Reset password</a><br /><p>Note: this link will expire in 24 hours</p>`))
)

// Mailer renders verification and password reset messages.
type Mailer struct {
	t Transport
}

func New(t Transport) *Mailer {
	return &Mailer{t: t}
}

func (m *Mailer) SendVerificationEmail(ctx context.Context, to, link string) error {
	body, err := render(verifyTmpl, link)
	if err != nil {
		return err
	}
	return m.t.Send(ctx, to, "Verify your email", body)
}

func (m *Mailer) SendForgotPasswordEmail(ctx context.Context, to, link string) error {
	body, err := render(resetTmpl, link)
	if err != nil {
		return err
	}
	return m.t.Send(ctx, to, "Password reset link", body)
}

func render(t *template.Template, link string) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, struct{ Link template.URL }{template.URL(link)}); err != nil {
		return "", fmt.Errorf("rendering %s email: %w", t.Name(), err)
	}
	return buf.String(), nil
}
