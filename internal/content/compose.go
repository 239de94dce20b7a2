package content

import (
	"context"
	"log/slog"

	"github.com/example/outreach/internal/fault"
	"github.com/example/outreach/internal/models"
)

// Composer decides the text an action sends: explicit payload text first,
// then the generator, then the step or default template.
type Composer struct {
	gen             Generator
	noteTemplate    string
	messageTemplate string
	log             *slog.Logger
}

func NewComposer(gen Generator, noteTemplate, messageTemplate string, log *slog.Logger) *Composer {
	return &Composer{
		gen:             gen,
		noteTemplate:    noteTemplate,
		messageTemplate: messageTemplate,
		log:             log.With("module", "composer"),
	}
}

// Compose returns the text for a connect or message action. Visits carry no
// text and yield "".
func (c *Composer) Compose(ctx context.Context, a models.Action, p models.Prospect, campaign *models.Campaign) (string, error) {
	if !a.Type.NeedsText() {
		return "", nil
	}
	if text := a.Payload.Text(); text != "" {
		return text, nil
	}

	var genErr error
	if c.gen != nil {
		var (
			text string
			err  error
		)
		switch a.Type {
		case models.ActionConnect:
			var filters map[string]string
			if campaign != nil {
				filters = campaign.TargetFilters
			}
			text, err = c.gen.ConnectionNote(ctx, p, filters)
		case models.ActionMessage:
			text, err = c.gen.FirstMessage(ctx, p)
		}
		if err == nil && text != "" {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", fault.FromContext("compose", ctx.Err())
		}
		genErr = err
		if genErr == nil {
			genErr = fault.Newf(fault.GenerationFailed, "compose", "empty text")
		}
		c.log.Warn("generation failed, using template", "action_id", a.ID, "err", genErr)
	}

	tmpl := a.Payload.Template()
	if tmpl == "" {
		if a.Type == models.ActionConnect {
			tmpl = c.noteTemplate
		} else {
			tmpl = c.messageTemplate
		}
	}
	if text := Render(tmpl, p); text != "" {
		return text, nil
	}
	if genErr == nil {
		genErr = fault.Newf(fault.GenerationFailed, "compose", "no generator and no template")
	}
	return "", fault.Wrap(fault.GenerationFailed, "compose", genErr)
}
