// Package assets embeds the admin page templates.
package assets

import (
	"embed"
	"fmt"
	"html/template"
)

//go:embed files/templates/*.html
var FS embed.FS

// TokensPage is the data rendered by tokens.html.
type TokensPage struct {
	APIPrefix    string
	TokensCount  int
	InvalidCount int
}

func ParseTemplates() (*template.Template, error) {
	t, err := template.ParseFS(FS, "files/templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}
	return t, nil
}
