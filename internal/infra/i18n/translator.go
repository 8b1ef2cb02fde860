package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var LocalesFS embed.FS

// Supported lists the catalogs shipped in locales/, fallback first.
var Supported = []string{"uz", "ru", "en"}

// Translator holds one flat key -> format catalog per language.
type Translator struct {
	catalogs map[string]map[string]string
	fallback string
}

// NewTranslator loads locales/<lang>.yaml for every supported language.
func NewTranslator(fsys fs.FS, fallback string) (*Translator, error) {
	docs := make(map[string][]byte, len(Supported))
	for _, lang := range Supported {
		p := path.Join("locales", lang+".yaml")
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("failed to read translation file %s: %w", p, err)
		}
		docs[lang] = data
	}
	return newTranslatorFromBytes(docs, fallback)
}

func newTranslatorFromBytes(docs map[string][]byte, fallback string) (*Translator, error) {
	t := &Translator{catalogs: make(map[string]map[string]string, len(docs)), fallback: fallback}
	for lang, data := range docs {
		var m map[string]string
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse translation file for %s: %w", lang, err)
		}
		t.catalogs[lang] = m
	}
	if _, ok := t.catalogs[fallback]; !ok {
		return nil, fmt.Errorf("fallback language %q has no catalog", fallback)
	}
	return t, nil
}

// T translates key into lang, falling back to the default catalog and then to the key itself.
func (t *Translator) T(lang, key string, args ...interface{}) string {
	format, ok := t.catalogs[lang][key]
	if !ok {
		format, ok = t.catalogs[t.fallback][key]
	}
	if !ok {
		return key
	}
	if len(args) > 0 {
		return fmt.Sprintf(format, args...)
	}
	return format
}

// All returns key in every loaded language, as providers with multilingual
// error envelopes expect.
func (t *Translator) All(key string) map[string]string {
	out := make(map[string]string, len(t.catalogs))
	for lang := range t.catalogs {
		out[lang] = t.T(lang, key)
	}
	return out
}

// Lang picks the first supported language tag from an Accept-Language header.
func (t *Translator) Lang(acceptLanguage string) string {
	for _, part := range strings.Split(acceptLanguage, ",") {
		tag := strings.ToLower(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]))
		if i := strings.IndexAny(tag, "-_"); i > 0 {
			tag = tag[:i]
		}
		if _, ok := t.catalogs[tag]; ok {
			return tag
		}
	}
	return t.fallback
}
