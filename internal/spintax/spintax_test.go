package spintax

import (
	"math/rand"
	"strings"
	"testing"
)

func TestRenderNamePlaceholder(t *testing.T) {
	r := New(rand.NewSource(1))

	tests := []struct {
		name     string
		template string
		contact  string
		want     string
	}{
		{
			name:     "name substituted",
			template: "Oi {{nome}}!",
			contact:  "Maria",
			want:     "Oi Maria!",
		},
		{
			name:     "fallback when name missing",
			template: "Oi {{nome}}!",
			contact:  "",
			want:     "Oi Cliente!",
		},
		{
			name:     "placeholder with inner spaces",
			template: "Oi {{ nome }}, tudo bem?",
			contact:  "João",
			want:     "Oi João, tudo bem?",
		},
		{
			name:     "multiple occurrences",
			template: "{{nome}}, {{nome}}!",
			contact:  "Ana",
			want:     "Ana, Ana!",
		},
		{
			name:     "no placeholder passes through",
			template: "Promoção válida hoje.",
			contact:  "Ana",
			want:     "Promoção válida hoje.",
		},
		{
			name:     "empty template",
			template: "",
			contact:  "Ana",
			want:     "",
		},
		{
			name:     "dollar sign in name is literal",
			template: "Oi {{nome}}!",
			contact:  "J$1 Postos",
			want:     "Oi J$1 Postos!",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Render(tt.template, tt.contact)
			if got != tt.want {
				t.Errorf("Render(%q, %q) = %q, want %q", tt.template, tt.contact, got, tt.want)
			}
		})
	}
}

func TestRenderSpintaxOnlyYieldsAlternatives(t *testing.T) {
	r := New(rand.NewSource(42))

	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		got := r.Render("{A|B}", "")
		if got != "A" && got != "B" {
			t.Fatalf("Render produced %q, want A or B", got)
		}
		seen[got] = true
	}

	if !seen["A"] || !seen["B"] {
		t.Errorf("1000 renders of {A|B} did not produce both alternatives: %v", seen)
	}
}

func TestRenderSpintaxThenName(t *testing.T) {
	r := New(rand.NewSource(7))

	got := r.Render("{Oi|Olá} {{nome}}, {tudo bem|como vai}?", "Pedro")

	if !strings.Contains(got, "Pedro") {
		t.Errorf("Render = %q, name not substituted", got)
	}
	if strings.ContainsAny(got, "{}|") {
		t.Errorf("Render = %q, unresolved template syntax remains", got)
	}
}

func TestRenderSingleOptionGroup(t *testing.T) {
	r := New(rand.NewSource(3))

	if got := r.Render("{fixo}", ""); got != "fixo" {
		t.Errorf("Render({fixo}) = %q, want %q", got, "fixo")
	}
}

func TestRenderNoSpintaxVerbatim(t *testing.T) {
	r := New(rand.NewSource(3))

	template := "Mensagem simples sem variação"
	if got := r.Render(template, "Ana"); got != template {
		t.Errorf("Render(%q) = %q, want verbatim", template, got)
	}
}
