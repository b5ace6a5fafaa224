package notification

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestRendererRender(t *testing.T) {
	store := &fakeTemplates{templates: map[string]*Template{
		"exam": {
			TitleTemplate: "Results for {{course}}",
			BodyTemplate:  "Hi {{recipient_name}}, you scored {{score}}{{missing}}.",
		},
		"override": {
			TitleTemplate: "{{recipient_name}}",
			BodyTemplate:  "{{ recipient_id }}",
		},
		"broken": {
			TitleTemplate: "Hello {{name",
			BodyTemplate:  "body",
		},
		"untitled": {
			BodyTemplate: "Only a body",
		},
	}}
	rcpt := Recipient{ID: "u1", Name: "Ada", Email: "ada@example.com"}

	tests := []struct {
		name string
		n    *Notification
		want Rendered
	}{
		{
			name: "template with recipient and notification data",
			n: &Notification{
				TemplateRef:  "exam",
				TemplateData: map[string]string{"course": "Algebra", "score": "91"},
			},
			want: Rendered{Title: "Results for Algebra", Body: "Hi Ada, you scored 91."},
		},
		{
			name: "recipient keys override notification data",
			n: &Notification{
				TemplateRef:  "override",
				TemplateData: map[string]string{"recipient_name": "Mallory", "recipient_id": "x"},
			},
			want: Rendered{Title: "Ada", Body: "u1"},
		},
		{
			name: "no template substitutes raw content",
			n: &Notification{
				Title:        "Fee due {{date}}",
				Body:         "Pay {{amount}} by {{date}}",
				TemplateData: map[string]string{"date": "May 1", "amount": "$20"},
			},
			want: Rendered{Title: "Fee due May 1", Body: "Pay $20 by May 1"},
		},
		{
			name: "raw content sees recipient keys",
			n:    &Notification{Title: "Hi {{recipient_name}}", Body: "Id {{recipient_id}}"},
			want: Rendered{Title: "Hi Ada", Body: "Id u1"},
		},
		{
			name: "missing template falls back to raw content",
			n: &Notification{
				Title:        "Notice",
				Body:         "Raw {{x}}",
				TemplateRef:  "nope",
				TemplateData: map[string]string{"x": "body"},
			},
			want: Rendered{Title: "Notice", Body: "Raw body", Fallback: true},
		},
		{
			name: "malformed template falls back to raw content",
			n:    &Notification{Title: "Notice", Body: "Raw", TemplateRef: "broken"},
			want: Rendered{Title: "Notice", Body: "Raw", Fallback: true},
		},
		{
			name: "empty template title keeps notification title",
			n:    &Notification{Title: "Library", TemplateRef: "untitled"},
			want: Rendered{Title: "Library", Body: "Only a body"},
		},
	}

	r := NewRenderer(store, zaptest.NewLogger(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Render(context.Background(), tt.n, rcpt); got != tt.want {
				t.Errorf("Render() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRendererWithoutStore(t *testing.T) {
	r := NewRenderer(nil, zaptest.NewLogger(t))
	got := r.Render(context.Background(), &Notification{Title: "T", Body: "B", TemplateRef: "exam"}, Recipient{ID: "u1"})
	if !got.Fallback || got.Title != "T" || got.Body != "B" {
		t.Errorf("Render() = %+v, want raw fallback", got)
	}
}
