package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"feelinglocal-core/internal/domain/entity"
)

// Identity is everything that changes what a translation means.
// Engine is set only when the caller forced an engine. RoutedEngine is the
// router's pick; it narrows semantic lookups but is not part of the key.
type Identity struct {
	Text           string
	Mode           string
	SubStyle       string
	TargetLanguage string
	Injections     []string
	Engine         string
	RoutedEngine   string
}

// BatchIdentity keys a whole batch; item order is significant.
type BatchIdentity struct {
	Items          []string
	Mode           string
	SubStyle       string
	TargetLanguage string
	Injections     []string
	Engine         string
}

// canonical is marshalled with a fixed field order.
type canonical struct {
	Text       string   `json:"t,omitempty"`
	Items      []string `json:"i,omitempty"`
	Mode       string   `json:"m"`
	SubStyle   string   `json:"s"`
	Lang       string   `json:"l"`
	Injections []string `json:"g"`
	Engine     string   `json:"e"`
}

// Key returns the stable exact-match key of id.
func (id Identity) Key() string {
	c := canonical{
		Text:       NormalizeText(id.Text),
		Mode:       attr(id.Mode),
		SubStyle:   attr(id.SubStyle),
		Lang:       attr(id.TargetLanguage),
		Injections: normalizeInjections(id.Injections),
		Engine:     attr(id.Engine),
	}
	return entity.CacheKeyPrefix + digest(c)
}

func (id BatchIdentity) Key() string {
	items := make([]string, len(id.Items))
	for i, it := range id.Items {
		items[i] = NormalizeText(it)
	}
	c := canonical{
		Items:      items,
		Mode:       attr(id.Mode),
		SubStyle:   attr(id.SubStyle),
		Lang:       attr(id.TargetLanguage),
		Injections: normalizeInjections(id.Injections),
		Engine:     attr(id.Engine),
	}
	return entity.BatchCacheKeyPrefix + digest(c)
}

func digest(c canonical) string {
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// NormalizeText applies NFC, folds runs of spaces and tabs within a line and
// trims the text. Line breaks are kept since they change the translation.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(norm.NFC.String(s), "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func attr(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeInjections(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = NormalizeText(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
