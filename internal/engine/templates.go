package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"journeyline/internal/domain"
	"journeyline/internal/registry"
)

// ImportTemplate parses a YAML definition and stores it in the registry.
func (e Engine) ImportTemplate(ctx context.Context, data []byte) (tmpl domain.JourneyTemplate, err error) {
	ctx, end := startSpan(ctx, "engine.ImportTemplate")
	defer func() { end(err) }()

	def, err := registry.ParseDefinition(data)
	if err != nil {
		return tmpl, err
	}
	tmpl, err = e.Registry.Import(ctx, def)
	if err != nil {
		return tmpl, err
	}
	e.logger().InfoContext(ctx, "template imported", "template_id", tmpl.ID, "key", tmpl.Key, "version", tmpl.Version, "stages", tmpl.StageCount)
	return tmpl, nil
}

func (e Engine) GetTemplate(ctx context.Context, templateID string) (tmpl domain.JourneyTemplate, err error) {
	ctx, end := startSpan(ctx, "engine.GetTemplate", attribute.String("template.id", templateID))
	defer func() { end(err) }()

	return retryRead(ctx, e.Retry, func() (domain.JourneyTemplate, error) {
		t, err := e.Registry.GetTemplate(ctx, e.DB, templateID)
		return t, notFound("template", templateID, err)
	})
}

// ListTemplates and TemplateStages expose the registry for read-only callers.
func (e Engine) ListTemplates(ctx context.Context) ([]domain.JourneyTemplate, error) {
	return retryRead(ctx, e.Retry, func() ([]domain.JourneyTemplate, error) {
		return e.Registry.ListTemplates(ctx, e.DB)
	})
}

func (e Engine) TemplateStages(ctx context.Context, templateID string) ([]domain.TemplateStage, error) {
	return retryRead(ctx, e.Retry, func() ([]domain.TemplateStage, error) {
		if _, err := e.Registry.GetTemplate(ctx, e.DB, templateID); err != nil {
			return nil, notFound("template", templateID, err)
		}
		return e.Registry.ListStages(ctx, e.DB, templateID)
	})
}
