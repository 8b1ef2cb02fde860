//go:build !integration

package i18n

import (
	"testing"
	"testing/fstest"
)

func TestTranslator(t *testing.T) {
	// --- Arrange ---
	translator, err := newTranslatorFromBytes(map[string][]byte{
		"uz": []byte("greeting: Salom\nwelcome_user: Salom %s\nonly_uz: faqat"),
		"ru": []byte("greeting: Привет\nwelcome_user: Привет %s"),
	}, "uz")
	if err != nil {
		t.Fatalf("newTranslatorFromBytes failed: %v", err)
	}

	t.Run("should translate a simple key", func(t *testing.T) {
		if got := translator.T("ru", "greeting"); got != "Привет" {
			t.Errorf("wanted 'Привет', got '%s'", got)
		}
	})

	t.Run("should fall back to the default language", func(t *testing.T) {
		if got := translator.T("ru", "only_uz"); got != "faqat" {
			t.Errorf("wanted 'faqat', got '%s'", got)
		}
	})

	t.Run("should return key if not found", func(t *testing.T) {
		if got := translator.T("uz", "nonexistent_key"); got != "nonexistent_key" {
			t.Errorf("wanted 'nonexistent_key', got '%s'", got)
		}
	})

	t.Run("should format arguments correctly", func(t *testing.T) {
		if got := translator.T("uz", "welcome_user", "Ali"); got != "Salom Ali" {
			t.Errorf("wanted 'Salom Ali', got '%s'", got)
		}
	})

	t.Run("should return every language for a key", func(t *testing.T) {
		all := translator.All("greeting")
		if all["uz"] != "Salom" || all["ru"] != "Привет" {
			t.Errorf("unexpected map %v", all)
		}
	})

	t.Run("should pick the first supported Accept-Language tag", func(t *testing.T) {
		cases := map[string]string{
			"ru-RU,ru;q=0.9,en;q=0.8": "ru",
			"de-DE, uz;q=0.5":         "uz",
			"":                        "uz",
		}
		for header, want := range cases {
			if got := translator.Lang(header); got != want {
				t.Errorf("Lang(%q) = %q, want %q", header, got, want)
			}
		}
	})
}

func TestNewTranslator_EmbeddedCatalogs(t *testing.T) {
	t.Run("should load the shipped catalogs with matching keys", func(t *testing.T) {
		tr, err := NewTranslator(LocalesFS, "uz")
		if err != nil {
			t.Fatalf("NewTranslator failed: %v", err)
		}
		for key := range tr.catalogs["en"] {
			for _, lang := range Supported {
				if _, ok := tr.catalogs[lang][key]; !ok {
					t.Errorf("key %q missing in %s catalog", key, lang)
				}
			}
		}
	})

	t.Run("should fail when a catalog is missing", func(t *testing.T) {
		fsys := fstest.MapFS{"locales/uz.yaml": {Data: []byte("a: b")}}
		if _, err := NewTranslator(fsys, "uz"); err == nil {
			t.Fatal("expected error for missing ru/en catalogs")
		}
	})
}
