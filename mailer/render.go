package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"cadence/models"
)

// Personalizer supplies final subject/body text for a contact at a step.
// The engine only consumes the resulting strings.
type Personalizer interface {
	Render(step *models.SequenceStep, contact *models.Contact) (subject, body string, err error)
}

// TemplateRenderer merges contact fields into the step's subject and
// content templates using html/template placeholders such as
// {{.FirstName}} and {{.Company}}.
type TemplateRenderer struct{}

type templateVars struct {
	Email     string
	FirstName string
	LastName  string
	FullName  string
	Company   string
}

func (TemplateRenderer) Render(step *models.SequenceStep, contact *models.Contact) (string, string, error) {
	vars := templateVars{
		Email:     contact.Email,
		FirstName: contact.FirstName,
		LastName:  contact.LastName,
		FullName:  strings.TrimSpace(contact.FirstName + " " + contact.LastName),
		Company:   contact.Company,
	}

	subject, err := renderOne("subject", step.SubjectTemplate, vars)
	if err != nil {
		return "", "", fmt.Errorf("render subject for step %d: %w", step.StepNumber, err)
	}
	body, err := renderOne("body", step.ContentTemplate, vars)
	if err != nil {
		return "", "", fmt.Errorf("render body for step %d: %w", step.StepNumber, err)
	}
	return subject, body, nil
}

func renderOne(name, tmpl string, vars templateVars) (string, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
