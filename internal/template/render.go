// Package template renders transactional e-mail bodies.
//
// Supported placeholders:
//
//	{{user.name}}, {{link}}, {{app.name}}, {{expires}}
package template

import (
	"html"
	"strings"
)

// Data holds the values substituted into a template.
type Data struct {
	UserName string
	Link     string
	AppName  string
	Expires  string
}

type Message struct {
	Subject string
	HTML    string
	Text    string
}

// Template is an e-mail with placeholders in every part.
type Template struct {
	Subject string
	HTML    string
	Text    string
}

var Verification = Template{
	Subject: "Verify your email for {{app.name}}",
	HTML: `<p>Hi {{user.name}},</p>
<p>Thanks for signing up to {{app.name}}. Please confirm your email address:</p>
<p><a href="{{link}}">Verify email</a></p>
<p>This link expires in {{expires}}.</p>`,
	Text: "Hi {{user.name}},\n\nConfirm your email address for {{app.name}}:\n{{link}}\n\nThis link expires in {{expires}}.\n",
}

var PasswordReset = Template{
	Subject: "Reset your {{app.name}} password",
	HTML: `<p>Hi {{user.name}},</p>
<p>We received a request to reset your password. Choose a new one here:</p>
<p><a href="{{link}}">Reset password</a></p>
<p>This link expires in {{expires}}. If you did not ask for this, ignore this email.</p>`,
	Text: "Hi {{user.name}},\n\nReset your {{app.name}} password:\n{{link}}\n\nThis link expires in {{expires}}. If you did not ask for this, ignore this email.\n",
}

func (t Template) Render(data Data) Message {
	return Message{
		Subject: RenderBody(t.Subject, data, false),
		HTML:    RenderBody(t.HTML, data, true),
		Text:    RenderBody(t.Text, data, false),
	}
}

// RenderBody replaces placeholders in body. With escape set, values are
// HTML-escaped first. Unknown placeholders are left as is.
func RenderBody(body string, data Data, escape bool) string {
	value := func(s string) string {
		if escape {
			return html.EscapeString(s)
		}
		return s
	}

	name := data.UserName
	if strings.TrimSpace(name) == "" {
		name = "there"
	}

	return strings.NewReplacer(
		"{{user.name}}", value(name),
		"{{link}}", value(data.Link),
		"{{app.name}}", value(data.AppName),
		"{{expires}}", value(data.Expires),
	).Replace(body)
}
