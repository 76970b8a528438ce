// Package router scores translation risk and picks an engine profile.
//
// Decide is a pure function of its input and the static Policy: no I/O, no
// clocks, no shared state.
package router

import (
	"math"
	"strings"
	"unicode"

	"feelinglocal-core/internal/domain/entity"
)

// Reason tags reported in entity.RouterDecision.Reason.
const (
	ReasonOverride          = "override"
	ReasonBatch             = "batch"
	ReasonBatchPremium      = "batch+pro"
	ReasonRephrase          = "rephrase"
	ReasonHardPremium       = "hard_mode+pro"
	ReasonHardNoPremium     = "hard_mode+pro_disabled"
	ReasonHighContext       = "high_context+pro"
	ReasonHighContextNoPrem = "high_context+pro_disabled"
	ReasonHighRisk          = "high_risk"
	ReasonCreativeEnglish   = "creative_en"
	ReasonDefault           = "default"
)

const (
	modeRephrase = "rephrase"

	defaultEscalateThreshold    = 0.55
	defaultCollaborateThreshold = 0.65
)

var (
	hardModes = map[string]bool{
		"legal": true, "medical": true, "technical": true, "corporate": true, "journalistic": true,
	}
	highContextModes = map[string]bool{
		"dialogue": true, "dubbing": true, "subtitling": true,
	}
	creativeModes = map[string]bool{
		"creative": true, "marketing": true, "social": true, "storytelling": true,
	}
	distantLanguages = map[string]bool{
		"ja": true, "ko": true, "zh": true, "ar": true, "he": true, "th": true,
		"hi": true, "vi": true, "ru": true, "el": true, "fa": true,
	}
)

// Policy is the static routing configuration.
type Policy struct {
	Fast    string // default engine
	Fastest string // rephrase
	Capable string // fast but capable, used on high risk
	Premium string
	Batch   string // cheap default for batches

	EscalateThreshold    float64
	CollaborateThreshold float64
	CollaborationEnabled bool

	// Known lists accepted override names; empty accepts any override.
	Known []string
}

// DefaultPolicy returns the engine profile names the service ships with.
func DefaultPolicy() Policy {
	return Policy{
		Fast:                 "gemini-2.5-flash",
		Fastest:              "gemini-2.5-flash-lite",
		Capable:              "gpt-4.1-mini",
		Premium:              "gemini-2.5-pro",
		Batch:                "gemini-2.5-flash-lite",
		EscalateThreshold:    defaultEscalateThreshold,
		CollaborateThreshold: defaultCollaborateThreshold,
	}
}

// Input is everything Decide looks at.
type Input struct {
	Text            string
	Mode            string
	SubStyle        string
	TargetLanguage  string
	Injections      []string
	PreferredEngine string
	AllowPremium    bool
	IsBatch         bool
}

type Router struct {
	policy Policy
	known  map[string]bool
}

func New(p Policy) *Router {
	if p.EscalateThreshold <= 0 {
		p.EscalateThreshold = defaultEscalateThreshold
	}
	if p.CollaborateThreshold <= 0 {
		p.CollaborateThreshold = defaultCollaborateThreshold
	}
	r := &Router{policy: p}
	if len(p.Known) > 0 {
		r.known = make(map[string]bool, len(p.Known))
		for _, k := range p.Known {
			r.known[k] = true
		}
	}
	return r
}

// Policy returns a copy of the routing policy.
func (r *Router) Policy() Policy { return r.policy }

// Decide evaluates the decision table in precedence order.
func (r *Router) Decide(in Input) (entity.RouterDecision, error) {
	if strings.TrimSpace(in.Text) == "" {
		return entity.RouterDecision{}, entity.Validationf("router.decide", "text is empty")
	}
	mode := normalize(in.Mode)
	sub := normalize(in.SubStyle)

	risk := Score(in.Text, mode, sub, in.TargetLanguage, in.Injections)
	d := entity.RouterDecision{Risk: risk, Collaborate: r.ShouldCollaborate(risk, mode)}

	switch {
	case in.PreferredEngine != "":
		if r.known != nil && !r.known[in.PreferredEngine] {
			return entity.RouterDecision{}, entity.Validationf("router.decide", "unknown engine %q", in.PreferredEngine)
		}
		d.Engine, d.Reason = in.PreferredEngine, ReasonOverride

	case in.IsBatch:
		d.Engine, d.Reason = r.policy.Batch, ReasonBatch
		if in.AllowPremium {
			d.Engine, d.Reason = r.policy.Premium, ReasonBatchPremium
		}

	case mode == modeRephrase:
		d.Engine, d.Reason = r.policy.Fastest, ReasonRephrase

	case isHard(mode, sub):
		d.Engine, d.Reason = r.policy.Fast, ReasonHardNoPremium
		if in.AllowPremium {
			d.Engine, d.Reason = r.policy.Premium, ReasonHardPremium
		}

	case isHighContext(mode, sub):
		d.Engine, d.Reason = r.policy.Fast, ReasonHighContextNoPrem
		if in.AllowPremium {
			d.Engine, d.Reason = r.policy.Premium, ReasonHighContext
		}

	case risk >= r.policy.EscalateThreshold:
		d.Engine, d.Reason = r.policy.Capable, ReasonHighRisk

	case creativeModes[mode] && isEnglish(in.TargetLanguage):
		d.Engine, d.Reason = r.policy.Fast, ReasonCreativeEnglish

	default:
		d.Engine, d.Reason = r.policy.Fast, ReasonDefault
	}
	return d, nil
}

// ShouldCollaborate decides whether a second-opinion pass is warranted.
func (r *Router) ShouldCollaborate(risk float64, mode string) bool {
	if !r.policy.CollaborationEnabled {
		return false
	}
	return risk >= r.policy.CollaborateThreshold || highContextModes[normalize(mode)]
}

// Score estimates how error-prone a request is, in [0,1].
func Score(text, mode, subStyle, targetLanguage string, injections []string) float64 {
	mode, subStyle = normalize(mode), normalize(subStyle)
	score := lengthBucket(len([]rune(text)))

	if strings.IndexFunc(text, unicode.IsDigit) >= 0 {
		score += 0.10
	}
	if strings.Contains(text, "...") || strings.Contains(text, "…") {
		score += 0.10
	}
	if strings.Contains(strings.TrimSpace(text), "\n") {
		score += 0.10
	}
	switch {
	case isHard(mode, subStyle):
		score += 0.30
	case isHighContext(mode, subStyle):
		score += 0.25
	}
	if hasInjections(injections) {
		score += 0.10
	}
	if isDistant(targetLanguage) {
		score += 0.05
	}
	// Round away float noise so thresholds compare on exact steps.
	return clamp(math.Round(score*1000) / 1000)
}

// lengthBucket is a step function; marginal risk flattens for long inputs.
func lengthBucket(n int) float64 {
	switch {
	case n < 80:
		return 0
	case n < 300:
		return 0.05
	case n < 1000:
		return 0.10
	case n < 3000:
		return 0.15
	default:
		return 0.20
	}
}

func isHard(mode, sub string) bool { return hardModes[mode] || hardModes[sub] }
func isHighContext(mode, sub string) bool { return highContextModes[mode] || highContextModes[sub] }

func hasInjections(in []string) bool {
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}

func isEnglish(lang string) bool {
	l := normalize(lang)
	return l == "en" || strings.HasPrefix(l, "en-") || strings.HasPrefix(l, "en_")
}

func isDistant(lang string) bool {
	l := normalize(lang)
	if i := strings.IndexAny(l, "-_"); i > 0 {
		l = l[:i]
	}
	return distantLanguages[l]
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
