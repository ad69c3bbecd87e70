package history

import (
	"fmt"
	"html/template"
	"io"
	"math"
	"strings"
	"time"
)

const panelDateLayout = "Jan 2, 2006 3:04 PM"

var panelTemplate = template.Must(template.New("panel").Parse(`<div class="scene-history" data-scene-id="{{.SceneID}}">
{{- range .Sections}}{{$section := .}}
  <section class="history-section" data-kind="{{.Kind}}">
    <header class="history-header">
      <h3>{{.Heading}}</h3>
      <dl class="history-stats">
        <dt>{{.CountLabel}}</dt><dd class="history-count">{{.Count}}</dd>
        {{- if .Duration}}
        <dt>Play Duration</dt><dd class="history-duration">{{.Duration}}</dd>
        {{- end}}
      </dl>
      <menu class="history-menu">
        <li><button type="button" data-action="add-{{.Kind}}" data-endpoint="{{.Endpoint}}">{{.AddLabel}}</button></li>
        <li><button type="button" data-action="reset-{{.Kind}}" data-endpoint="{{.Endpoint}}" data-method="DELETE">{{.ResetLabel}}</button></li>
      </menu>
    </header>
    {{- if .Rows}}
    <ul class="history-list">
      {{- range .Rows}}
      <li class="history-row">
        <time datetime="{{.Value}}">{{.Display}}</time>
        <button type="button" class="history-remove" title="Remove" data-action="delete-{{$section.Kind}}" data-endpoint="{{$section.DeleteEndpoint}}" data-value="{{.Value}}">&times;</button>
      </li>
      {{- end}}
    </ul>
    {{- else}}
    <p class="history-empty">None</p>
    {{- end}}
  </section>
{{- end}}
</div>
`))

type panelRow struct {
	Value   string
	Display string
}

type panelSection struct {
	Kind           Kind
	Heading        string
	CountLabel     string
	Count          int
	Duration       string
	AddLabel       string
	ResetLabel     string
	Endpoint       string
	DeleteEndpoint string
	Rows           []panelRow
}

type panelData struct {
	SceneID  string
	Sections []panelSection
}

// RenderPanel writes the history panel fragment for a scene. Dates are
// shown in loc; each remove control carries the entry's exact RFC 3339
// timestamp.
func RenderPanel(w io.Writer, a Activity, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	base := "/api/scenes/" + a.SceneID
	data := panelData{
		SceneID: a.SceneID,
		Sections: []panelSection{
			{
				Kind:           KindPlay,
				Heading:        "Play History",
				CountLabel:     "Play Count",
				Count:          len(a.PlayHistory),
				Duration:       FormatDuration(a.PlayDuration),
				AddLabel:       "Add play",
				ResetLabel:     "Clear play history",
				Endpoint:       base + "/plays",
				DeleteEndpoint: base + "/plays/delete",
				Rows:           panelRows(a.PlayHistory, loc),
			},
			{
				Kind:           KindO,
				Heading:        "O History",
				CountLabel:     "O Count",
				Count:          len(a.OHistory),
				AddLabel:       "Add O",
				ResetLabel:     "Clear O history",
				Endpoint:       base + "/o",
				DeleteEndpoint: base + "/o/delete",
				Rows:           panelRows(a.OHistory, loc),
			},
		},
	}
	if err := panelTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("render history panel: %w", err)
	}
	return nil
}

func panelRows(times []time.Time, loc *time.Location) []panelRow {
	rows := make([]panelRow, 0, len(times))
	for _, t := range times {
		rows = append(rows, panelRow{
			Value:   t.UTC().Format(time.RFC3339Nano),
			Display: t.In(loc).Format(panelDateLayout),
		})
	}
	return rows
}

// FormatDuration renders seconds as "1h 2m 3s", omitting zero components.
func FormatDuration(seconds float64) string {
	total := int64(math.Round(seconds))
	if total <= 0 {
		return "0s"
	}
	h, m, s := total/3600, total%3600/60, total%60
	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if s > 0 {
		parts = append(parts, fmt.Sprintf("%ds", s))
	}
	return strings.Join(parts, " ")
}
