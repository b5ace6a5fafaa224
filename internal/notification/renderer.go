package notification

import (
	"context"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"
	"go.uber.org/zap"
)

// TemplateStore loads templates by reference
type TemplateStore interface {
	Template(ctx context.Context, tenantID, ref string) (*Template, error)
}

// Rendered is the per-recipient content handed to a sink
type Rendered struct {
	Title string
	Body  string
	// Fallback is set when the template could not be used and raw content was rendered instead
	Fallback bool
}

// Renderer merges templates with notification and recipient data
type Renderer struct {
	templates TemplateStore
	logger    *zap.Logger
}

// NewRenderer creates a new renderer; templates may be nil when no template store exists
func NewRenderer(templates TemplateStore, logger *zap.Logger) *Renderer {
	return &Renderer{templates: templates, logger: logger}
}

// Render never fails: missing placeholders render empty and unusable templates fall back to raw content
func (r *Renderer) Render(ctx context.Context, n *Notification, rcpt Recipient) Rendered {
	data := mergeData(n.TemplateData, rcpt)
	if n.TemplateRef == "" {
		return Rendered{
			Title: substitute(n.Title, data),
			Body:  substitute(n.Body, data),
		}
	}

	fallback := Rendered{
		Title:    substitute(n.Title, data),
		Body:     substitute(n.Body, data),
		Fallback: true,
	}

	if r.templates == nil {
		return fallback
	}
	tmpl, err := r.templates.Template(ctx, n.TenantID, n.TemplateRef)
	if err != nil || tmpl == nil {
		r.logger.Warn("Template unavailable, using raw content",
			zap.String("notification_id", n.ID),
			zap.String("template", n.TemplateRef),
			zap.Error(err),
		)
		return fallback
	}

	title, terr := render(tmpl.TitleTemplate, data)
	body, berr := render(tmpl.BodyTemplate, data)
	if terr != nil || berr != nil {
		r.logger.Warn("Template malformed, using raw content",
			zap.String("notification_id", n.ID),
			zap.String("template", n.TemplateRef),
		)
		return fallback
	}
	if title == "" {
		title = fallback.Title
	}
	return Rendered{Title: title, Body: body}
}

// mergeData overlays recipient context on notification data; recipient keys win
func mergeData(data map[string]string, rcpt Recipient) map[string]string {
	merged := make(map[string]string, len(data)+3)
	for k, v := range data {
		merged[k] = v
	}
	merged["recipient_id"] = rcpt.ID
	merged["recipient_name"] = rcpt.Name
	merged["recipient_email"] = rcpt.Email
	return merged
}

func render(text string, data map[string]string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := fasttemplate.NewTemplate(text, "{{", "}}")
	if err != nil {
		return "", err
	}
	return t.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		return w.Write([]byte(data[strings.TrimSpace(tag)]))
	}), nil
}

// substitute renders raw content; a malformed placeholder leaves the text untouched
func substitute(text string, data map[string]string) string {
	out, err := render(text, data)
	if err != nil {
		return text
	}
	return out
}
