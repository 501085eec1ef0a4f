package dispatch

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/gsc-radar/internal/model"
)

const maxLostPages = 10

// PageHealth summarizes the latest page analysis of a property.
type PageHealth struct {
	New       int
	Lost      int
	Drop      int
	Gain      int
	LostPaths []string
}

// SummarizePages counts changes by category and lists the highest-impact
// lost pages as paths relative to the site.
func SummarizePages(siteURL string, changes []model.VisibilityChange) PageHealth {
	var h PageHealth
	for _, c := range changes {
		switch c.Category {
		case model.ChangeNew:
			h.New++
		case model.ChangeLost:
			h.Lost++
			if len(h.LostPaths) < maxLostPages {
				h.LostPaths = append(h.LostPaths, relativePath(siteURL, c.Key))
			}
		case model.ChangeDrop:
			h.Drop++
		case model.ChangeGain:
			h.Gain++
		}
	}
	return h
}

func relativePath(siteURL, page string) string {
	if strings.HasPrefix(siteURL, "http") && strings.HasPrefix(page, siteURL) {
		return "/" + strings.TrimPrefix(strings.TrimPrefix(page, siteURL), "/")
	}
	u, err := url.Parse(page)
	if err != nil || u.Path == "" {
		return page
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}

// Email is the rendered alert mail.
type Email struct {
	Subject string
	Text    string
}

type emailData struct {
	SiteURL string
	Prev    string
	Last    string
	Delta   string
	Health  PageHealth
}

var bodyTmpl = template.Must(template.New("alert").Parse(`Search impressions for {{.SiteURL}} dropped sharply.

Previous 7 days: {{.Prev}} impressions
Last 7 days:     {{.Last}} impressions
Change:          {{.Delta}}

Page health
  New pages:     {{.Health.New}}
  Lost pages:    {{.Health.Lost}}
  Dropping:      {{.Health.Drop}}
  Gaining:       {{.Health.Gain}}
{{- if .Health.LostPaths}}

Top lost pages:
{{- range .Health.LostPaths}}
  {{.}}
{{- end}}
{{- end}}

You are receiving this because you subscribed to alerts for this property.
`))

var printer = message.NewPrinter(language.English)

// Subject formats the alert subject line.
func Subject(deltaPct float64) string {
	return fmt.Sprintf("[GSC Radar Alert] Impressions dropped by %.1f%%", math.Abs(deltaPct))
}

// Render builds the alert mail for a property.
func Render(a model.Alert, prop model.Property, health PageHealth) (Email, error) {
	var buf bytes.Buffer
	err := bodyTmpl.Execute(&buf, emailData{
		SiteURL: prop.SiteURL,
		Prev:    printer.Sprintf("%d", int64(a.PrevWindowValue)),
		Last:    printer.Sprintf("%d", int64(a.LastWindowValue)),
		Delta:   fmt.Sprintf("%+.1f%%", a.DeltaPct),
		Health:  health,
	})
	if err != nil {
		return Email{}, eris.Wrap(err, "dispatch: render email")
	}
	return Email{Subject: Subject(a.DeltaPct), Text: buf.String()}, nil
}
