package notify

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
	"fleet-telemetry/internal/protocol"
)

const DefaultTemplate = `[{{.Severity}}] {{.Rule}} {{.EventLabel}}
Instance: {{.Instance}}
{{- if .Metric }}
Metric: {{.Metric}} {{.Operator}} {{.Threshold}} (observed {{.Value}})
{{- end }}
Status: {{.Status}}
Fired: {{.FiredAt}}
{{- if .Message }}
{{.Message}}
{{- end }}
{{- if .AlertURL }}
{{.AlertURL}}
{{- end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Event      string
	EventLabel string
	AlertID    string
	Rule       string
	RuleID     string
	RuleType   string
	Instance   string
	Metric     string
	Operator   string
	Threshold  string
	Value      string
	Severity   string
	Status     string
	Message    string
	FiredAt    string
	AlertURL   string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alert-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alert template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildTemplateData(event string, alert alerts.Alert, rule alerts.AlertRule, baseURL string) TemplateData {
	data := TemplateData{
		Event:      event,
		EventLabel: eventLabel(event),
		AlertID:    alert.ID,
		Rule:       firstNonEmpty(rule.Name, alert.RuleName, alert.RuleID),
		RuleID:     alert.RuleID,
		RuleType:   string(alert.RuleType),
		Instance:   alert.InstanceID,
		Metric:     string(alert.Metric),
		Severity:   string(alert.Severity),
		Status:     string(alert.Status),
		Message:    alert.Message,
		FiredAt:    alert.FiredAt.UTC().Format(time.RFC3339),
	}
	if alert.Metric != "" {
		data.Operator = string(rule.Conditions.Operator)
		data.Threshold = fmt.Sprintf("%.2f", rule.Conditions.Threshold)
	}
	if alert.LastValue != nil {
		data.Value = fmt.Sprintf("%.2f", *alert.LastValue)
	}
	if baseURL != "" {
		data.AlertURL = baseURL + "/api/v1/alerts/" + alert.ID
	}
	return data
}

func eventLabel(event string) string {
	switch event {
	case protocol.TypeAlertFired:
		return "FIRING"
	case protocol.TypeAlertReactivated:
		return "REACTIVATED"
	case protocol.TypeAlertResolved:
		return "RESOLVED"
	default:
		return event
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
