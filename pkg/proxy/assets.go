package proxy

import (
	"html/template"
	"sync"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/chatbridge/pkg/assets"
)

var (
	templatesOnce    sync.Once
	templates        *template.Template
	templatesInitErr error
)

func getTemplates() (*template.Template, error) {
	templatesOnce.Do(func() {
		templates, templatesInitErr = assets.ParseTemplates()
		if templatesInitErr != nil {
			log.Error("failed to parse embedded templates", "err", templatesInitErr)
		}
	})
	return templates, templatesInitErr
}
