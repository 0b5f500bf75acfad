// Package i18n holds the localized chat strings for the supported languages.
package i18n

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/ashureev/traitlab/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var messagesYAML []byte

// Vars are placeholder substitutions, {key} -> value.
type Vars map[string]string

// Catalog maps language and message key to a template.
type Catalog struct {
	tables map[domain.Language]map[string]string
}

// Parse decodes a catalog document keyed by language code.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse message catalog: %w", err)
	}

	c := &Catalog{tables: make(map[domain.Language]map[string]string)}
	for code, table := range raw {
		lang, ok := domain.ParseLanguage(code)
		if !ok {
			return nil, fmt.Errorf("unsupported language %q in message catalog", code)
		}
		c.tables[lang] = table
	}
	if _, ok := c.tables[domain.LangEnglish]; !ok {
		return nil, fmt.Errorf("message catalog has no %q table", domain.LangEnglish)
	}
	return c, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the embedded catalog. It panics if the embedded file is
// malformed, which the package tests rule out.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(messagesYAML)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// T renders key in lang. Missing keys fall back to English and then to the
// key itself.
func (c *Catalog) T(lang domain.Language, key string, vars Vars) string {
	tmpl, ok := c.tables[lang][key]
	if !ok {
		tmpl, ok = c.tables[domain.LangEnglish][key]
	}
	if !ok {
		return key
	}
	if len(vars) == 0 {
		return strings.TrimRight(tmpl, "\n")
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.TrimRight(strings.NewReplacer(pairs...).Replace(tmpl), "\n")
}

// Keys returns the message keys defined for lang.
func (c *Catalog) Keys(lang domain.Language) []string {
	keys := make([]string, 0, len(c.tables[lang]))
	for k := range c.tables[lang] {
		keys = append(keys, k)
	}
	return keys
}
