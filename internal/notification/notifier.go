// Package notification delivers detection alerts to an external sink.
package notification

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"
)

// Alert is one detection worth telling someone about.
type Alert struct {
	EventID    string
	Type       string
	Mode       string
	Confidence *float64
	Timestamp  time.Time

	// SnapshotName and Snapshot carry the attached image, if any.
	SnapshotName string
	Snapshot     []byte
}

// Notifier sends alerts. Notify may block for the duration of its retries;
// callers bound it with ctx.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

const alertTextTemplate = `🔔 **{{.Title}}**
When: {{.When}}
Mode: {{.Mode}}{{if .Confidence}}
Confidence: {{.Confidence}}{{end}}
Alert ID: {{.EventID}}`

var alertTmpl = template.Must(template.New("alert").Parse(alertTextTemplate))

type alertData struct {
	Title      string
	When       string
	Mode       string
	Confidence string
	EventID    string
}

// RenderAlert renders the plain-text body for a.
func RenderAlert(a Alert) (string, error) {
	data := alertData{
		Title:   fmt.Sprintf("%s detected", titleCase(a.Type)),
		When:    a.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
		Mode:    a.Mode,
		EventID: a.EventID,
	}
	if a.Confidence != nil {
		data.Confidence = fmt.Sprintf("%.0f%%", *a.Confidence*100)
	}

	var buf bytes.Buffer
	if err := alertTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute alert template: %w", err)
	}
	return buf.String(), nil
}

func titleCase(s string) string {
	if s == "" {
		return "Event"
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
