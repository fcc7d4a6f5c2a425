package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.System == "" || cfg.UserTemplate == "" {
		t.Fatalf("defaults must be populated")
	}
	if !strings.Contains(cfg.UserTemplate, "{{prompt}}") {
		t.Fatalf("default template must carry the prompt placeholder")
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	data := "system: custom system\ncategory_hints:\n  electronics: Electrónica\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write prompts file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.System != "custom system" {
		t.Fatalf("expected system override, got %q", cfg.System)
	}
	if cfg.UserTemplate == "" {
		t.Fatalf("missing fields must fall back to defaults")
	}
	if cfg.CategoryHints["electronics"] != "Electrónica" {
		t.Fatalf("expected category hints loaded, got %+v", cfg.CategoryHints)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestUserPromptRendersPlaceholders(t *testing.T) {
	cfg := Config{UserTemplate: "Vendedor: {{prompt}}\n{{category_hint}}Fin."}

	out := cfg.UserPrompt("iPhone 13 Pro usado", "")
	if !strings.Contains(out, "iPhone 13 Pro usado") {
		t.Fatalf("prompt not rendered: %q", out)
	}
	if strings.Contains(out, "{{") {
		t.Fatalf("placeholders left unrendered: %q", out)
	}
	if strings.Contains(out, "Categoría sugerida") {
		t.Fatalf("no hint line without a category hint: %q", out)
	}
}

func TestUserPromptMapsCategoryHint(t *testing.T) {
	cfg := Config{
		UserTemplate:  "{{category_hint}}{{prompt}}",
		CategoryHints: map[string]string{"phones": "Celulares y Smartphones"},
	}

	out := cfg.UserPrompt("texto", "phones")
	if !strings.Contains(out, "Celulares y Smartphones") {
		t.Fatalf("expected mapped hint, got %q", out)
	}

	out = cfg.UserPrompt("texto", "Monitores")
	if !strings.Contains(out, "Monitores") {
		t.Fatalf("unmapped hint must pass through, got %q", out)
	}
}
