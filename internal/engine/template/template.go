package template

import (
	"context"
	"fmt"
	"strings"
	"sync"
	texttemplate "text/template"
	"time"

	"coachnotify/internal/storage"
	"coachnotify/pkg/logx"
)

// funcs are the helpers business templates may use.
var funcs = texttemplate.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
	"date": func(layout string, v any) string {
		switch t := v.(type) {
		case time.Time:
			return t.Format(layout)
		case string:
			return t
		default:
			return fmt.Sprint(v)
		}
	},
}

type cacheKey struct {
	tenant  string
	name    string
	version int
}

// Engine resolves the active version of a stored template and renders it
// against an event payload. Parsed templates are cached per version; a
// version bump naturally misses the cache.
type Engine struct {
	store storage.Store
	log   logx.Logger

	mu    sync.Mutex
	cache map[cacheKey]*texttemplate.Template
}

func New(store storage.Store, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store: store,
		log:   log,
		cache: map[cacheKey]*texttemplate.Template{},
	}
}

// Resolve returns the highest-version active template for (tenant, name).
func (e *Engine) Resolve(ctx context.Context, tenantID, name string) (storage.Template, bool, error) {
	return e.store.ActiveTemplate(ctx, tenantID, name)
}

// Render executes the template body with the given data.
func (e *Engine) Render(tmpl storage.Template, data map[string]any) (string, error) {
	key := cacheKey{tenant: tmpl.TenantID, name: tmpl.Name, version: tmpl.Version}

	e.mu.Lock()
	parsed := e.cache[key]
	e.mu.Unlock()

	if parsed == nil {
		var err error
		parsed, err = texttemplate.New(tmpl.Name).Funcs(funcs).Parse(tmpl.Body)
		if err != nil {
			return "", fmt.Errorf("template %s/%s v%d: %w", tmpl.TenantID, tmpl.Name, tmpl.Version, err)
		}
		e.mu.Lock()
		e.cache[key] = parsed
		e.mu.Unlock()
	}

	var b strings.Builder
	if err := parsed.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s/%s v%d: %w", tmpl.TenantID, tmpl.Name, tmpl.Version, err)
	}
	return b.String(), nil
}

// RenderString renders an ad-hoc body that is not stored as a template.
func RenderString(body string, data map[string]any) (string, error) {
	parsed, err := texttemplate.New("adhoc").Funcs(funcs).Parse(body)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := parsed.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
