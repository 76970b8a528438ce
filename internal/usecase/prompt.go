package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"feelinglocal-core/internal/domain/entity"
)

const modeRephrase = "rephrase"

// systemInstruction builds the fixed instructions for one request shape.
func systemInstruction(p entity.Params, batch bool) string {
	var b strings.Builder
	if strings.EqualFold(p.Mode, modeRephrase) {
		fmt.Fprintf(&b, "You are a professional editor. Rephrase the user's text in %s, keeping its meaning.\n", p.TargetLanguage)
	} else {
		fmt.Fprintf(&b, "You are a professional translator. Translate the user's text into %s.\n", p.TargetLanguage)
	}
	if p.Mode != "" && !strings.EqualFold(p.Mode, modeRephrase) {
		fmt.Fprintf(&b, "Domain: %s. Use the terminology and register expected in that domain.\n", p.Mode)
	}
	if p.SubStyle != "" {
		fmt.Fprintf(&b, "Style: %s.\n", p.SubStyle)
	}
	if inj := cleanInjections(p.Injections); len(inj) > 0 {
		b.WriteString("Apply these glossary and brand rules exactly:\n")
		for _, s := range inj {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteByte('\n')
		}
	}
	b.WriteString("Preserve line breaks, numbers, placeholders and markup.\n")
	if batch {
		b.WriteString("The input is a JSON array of strings. Reply with a JSON array of the same length, " +
			"one translated string per element, in the same order, and nothing else.")
	} else {
		b.WriteString("Reply with the translation only, without notes or quotes.")
	}
	return b.String()
}

func cleanInjections(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func batchPrompt(items []string) (string, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return "", entity.NewError(entity.KindInternal, "usecase.batch_prompt", "encode items", err)
	}
	return string(raw), nil
}

// parseBatch decodes the engine's JSON array, tolerating a fenced code block.
func parseBatch(text string, want int) ([]string, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if i, j := strings.IndexByte(s, '['), strings.LastIndexByte(s, ']'); i >= 0 && j > i {
		s = s[i : j+1]
	}
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, entity.NewError(entity.KindBackend, "usecase.parse_batch", "engine reply is not a JSON string array", err)
	}
	if len(items) != want {
		return nil, entity.NewError(entity.KindBackend, "usecase.parse_batch",
			fmt.Sprintf("engine returned %d items, want %d", len(items), want), nil)
	}
	for i := range items {
		items[i] = normalizeOutput(items[i])
	}
	return items, nil
}

// normalizeOutput applies NFC and strips wrapping the engines like to add.
func normalizeOutput(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	if len(s) >= 6 && strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```") {
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```"))
	}
	return s
}

// keepEdges re-attaches the source chunk's surrounding whitespace so joined
// chunks keep their original spacing.
func keepEdges(src, out string) string {
	trimmed := strings.TrimLeftFunc(src, unicode.IsSpace)
	lead := src[:len(src)-len(trimmed)]
	trail := trimmed[len(strings.TrimRightFunc(trimmed, unicode.IsSpace)):]
	return lead + out + trail
}
