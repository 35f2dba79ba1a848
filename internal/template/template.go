package template

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/orderbridge/orderbridge/internal/store"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// ReminderData contains all data available to the reminder template
type ReminderData struct {
	CustomerName string
	Email        string
	Phone        string

	ExternalID  string
	OrderDate   string
	ProductText string
	GiftText    string
	Total       string
	Days        int
}

// Email represents a rendered email ready to send
type Email struct {
	Subject string
	Body    string
}

// Engine handles reminder rendering
type Engine struct {
	templates map[string]*template.Template
}

// NewEngine creates a new template engine
func NewEngine() (*Engine, error) {
	e := &Engine{
		templates: make(map[string]*template.Template),
	}

	templateNames := []string{"reminder"}
	for _, name := range templateNames {
		content, err := embeddedTemplates.ReadFile("templates/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		e.templates[name] = tmpl
	}

	return e, nil
}

// RenderReminder generates the follow-up reminder for an order placed days ago
func (e *Engine) RenderReminder(o store.OrderWithCustomer, days int) (*Email, error) {
	tmpl, ok := e.templates["reminder"]
	if !ok {
		return nil, fmt.Errorf("unknown template: reminder")
	}

	data := ReminderData{
		CustomerName: o.Customer.Name,
		Email:        o.Customer.Email,
		Phone:        o.Customer.Phone,
		ExternalID:   o.ExternalID,
		OrderDate:    o.OrderDate.Format("02.01.2006"),
		ProductText:  o.ProductText,
		GiftText:     o.GiftText,
		Total:        o.Total.StringFixed(2),
		Days:         days,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}

	return &Email{
		Subject: fmt.Sprintf("Seguimiento: pedido de %s (%s)", o.Customer.Name, data.OrderDate),
		Body:    buf.String(),
	}, nil
}
