package prompts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the prompt templates and category hints used to build
// generation requests. The user template supports the {{prompt}} and
// {{category_hint}} placeholders.
type Config struct {
	System        string            `yaml:"system"`
	UserTemplate  string            `yaml:"user_template"`
	CategoryHints map[string]string `yaml:"category_hints"`
}

const defaultSystem = "Eres un experto en ventas de MercadoLibre. Analiza las fotos del producto " +
	"y la descripción del vendedor, y genera una publicación completa. Responde únicamente con JSON " +
	`con el formato {"title": "...", "description": "...", "category_id": "...", "category_name": "...", ` +
	`"price": 0, "currency": "...", "condition": "new|used", "attributes": {}, ` +
	`"confidence": {"title": 0.0, "description": 0.0, "category": 0.0, "price": 0.0, "attributes": 0.0}}. ` +
	"No inventes datos que no se vean en las fotos ni en el texto."

const defaultUserTemplate = `Descripción del vendedor:
{{prompt}}

{{category_hint}}Generá el título (10-60 caracteres), la descripción (mínimo 50 caracteres), la categoría de MercadoLibre, el precio estimado con moneda, la condición y los atributos que puedas deducir.`

// Default returns the built-in prompt configuration.
func Default() Config {
	return Config{
		System:        defaultSystem,
		UserTemplate:  defaultUserTemplate,
		CategoryHints: map[string]string{},
	}
}

// Load reads a YAML prompt file, falling back to defaults for empty fields.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read prompts file: %w", err)
	}
	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Config{}, fmt.Errorf("parse prompts file: %w", err)
	}
	if loaded.System != "" {
		cfg.System = loaded.System
	}
	if loaded.UserTemplate != "" {
		cfg.UserTemplate = loaded.UserTemplate
	}
	if len(loaded.CategoryHints) > 0 {
		cfg.CategoryHints = loaded.CategoryHints
	}
	return cfg, nil
}

// UserPrompt renders the user template for one generation request.
func (c Config) UserPrompt(prompt, categoryHint string) string {
	hint := ""
	if categoryHint != "" {
		if mapped, ok := c.CategoryHints[categoryHint]; ok {
			categoryHint = mapped
		}
		hint = fmt.Sprintf("Categoría sugerida: %s.\n\n", categoryHint)
	}
	out := strings.ReplaceAll(c.UserTemplate, "{{prompt}}", prompt)
	out = strings.ReplaceAll(out, "{{category_hint}}", hint)
	return out
}
