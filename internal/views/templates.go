package views

import (
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"join":  strings.Join,
	"upper": strings.ToUpper,
}

var templates = template.Must(template.New("views").Funcs(funcs).Parse(`
{{- define "list" -}}
Places{{if .Filter}} ({{.Filter}}){{end}}: {{.Page.Total}} found, page {{.Page.Page}}/{{.Page.TotalPages}} [{{.Source}}]
{{range .Page.Items}}  #{{.ID}} {{.Name}}, {{.Country}} ({{.Region}}, {{.Type}}, {{.Budget}})
{{else}}  no places match
{{end}}
{{- if .Prev}}  prev: #{{.Prev}}
{{end}}
{{- if .Next}}  next: #{{.Next}}
{{end}}
{{- end}}

{{- define "detail" -}}
{{.Place.Name}} [{{.Source}}]
  country: {{.Place.Country}}
  region:  {{.Place.Region}}
  type:    {{.Place.Type}}
  budget:  {{.Place.Budget}}
  season:  {{.Place.Season}}
{{- if .Place.Tags}}
  tags:    {{join .Place.Tags ", "}}
{{- end}}
  back: #{{.Back}}
{{end}}

{{- define "not_found" -}}
Not found: {{.Path}}
  home: #{{.Home}}
{{end}}

{{- define "error" -}}
{{upper .Kind}}: {{.Message}}
  retry: #{{.Retry}}
{{end}}
`))

func render(name string, data any) string {
	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, name, data); err != nil {
		return "render " + name + ": " + err.Error() + "\n"
	}
	return b.String()
}
