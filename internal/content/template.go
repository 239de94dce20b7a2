package content

import (
	"strings"

	"github.com/example/outreach/internal/models"
)

// Render fills {{Name}}, {{FullName}}, {{Company}}, {{Title}} and
// {{Headline}} in t from the prospect.
func Render(t string, p models.Prospect) string {
	firstName := strings.TrimSpace(p.FullName)
	if idx := strings.Index(firstName, " "); idx > 0 {
		firstName = firstName[:idx]
	}
	title := p.Title
	if title == "" {
		title = shortTitle(p.Headline)
	}
	r := strings.NewReplacer(
		"{{Name}}", firstName,
		"{{FullName}}", p.FullName,
		"{{Company}}", p.Company,
		"{{Title}}", title,
		"{{Headline}}", p.Headline,
		"{{Keywords}}", "",
	)
	return strings.TrimSpace(r.Replace(t))
}

// shortTitle keeps the job-title part of a headline such as
// "Staff Engineer at Acme | Distributed systems".
func shortTitle(headline string) string {
	title := headline
	if idx := strings.Index(title, "@"); idx > 0 {
		title = strings.TrimSpace(title[:idx])
	} else if idx := strings.Index(title, "|"); idx > 0 {
		title = strings.TrimSpace(title[:idx])
	} else if idx := strings.Index(title, " at "); idx > 0 {
		title = strings.TrimSpace(title[:idx])
	}
	if len(title) > 50 {
		title = title[:50]
		if idx := strings.LastIndex(title, " "); idx > 20 {
			title = title[:idx]
		}
	}
	return title
}
