// Package render turns store reports into distributable artifacts: styled
// HTML, PDF via a headless browser, and the static location map.
package render

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	ghtml "github.com/yuin/goldmark/renderer/html"
)

// pageTemplate wraps the converted report body in a printable page. The
// stylesheet is deliberately minimal; the PDF converter applies its own
// page margins.
var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: "Helvetica Neue", Arial, sans-serif; color: #1a1a2e; max-width: 820px; margin: 0 auto; padding: 2em; line-height: 1.55; }
h1 { color: #0057b8; border-bottom: 3px solid #ffcd00; padding-bottom: 0.3em; }
h2 { color: #0057b8; margin-top: 1.6em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
th, td { border: 1px solid #ccd; padding: 0.4em 0.6em; text-align: left; }
th { background: #eef3fb; }
img { max-width: 100%; }
blockquote { border-left: 4px solid #ffcd00; margin-left: 0; padding-left: 1em; color: #444; }
@media print { body { padding: 0; } }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

type pageData struct {
	Title string
	Lang  string
	Body  template.HTML
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(ghtml.WithUnsafe()),
)

// ToHTML converts report markdown into a complete styled HTML page.
func ToHTML(source []byte, title, lang string) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert(source, &body); err != nil {
		return nil, fmt.Errorf("converting markdown: %w", err)
	}

	if lang == "" {
		lang = "fr"
	}

	var page bytes.Buffer

	err := pageTemplate.Execute(&page, pageData{
		Title: title,
		Lang:  lang,
		Body:  template.HTML(body.String()), //nolint:gosec // report body is our own markdown.
	})
	if err != nil {
		return nil, fmt.Errorf("rendering page: %w", err)
	}

	return page.Bytes(), nil
}
