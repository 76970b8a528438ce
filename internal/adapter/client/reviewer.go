package client

import (
	"context"
	"fmt"
	"strings"

	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/domain/repository"
)

const reviewInstruction = `You are a senior reviewer of professional translations.
Compare the draft against the source. Fix mistranslations, omissions, wrong terminology and unnatural phrasing.
Keep everything that is already correct, including line breaks and markup.
Reply ONLY with the final translation.`

// Reviewer runs the second-opinion pass on any engine.
type Reviewer struct {
	engine repository.Engine
}

func NewReviewer(e repository.Engine) *Reviewer {
	return &Reviewer{engine: e}
}

func (r *Reviewer) Review(ctx context.Context, source, draft string, p entity.Params) (string, error) {
	var b strings.Builder
	b.WriteString(reviewInstruction)
	fmt.Fprintf(&b, "\nTarget language: %s.", p.TargetLanguage)
	if p.Mode != "" {
		fmt.Fprintf(&b, "\nDomain: %s.", p.Mode)
	}
	if p.SubStyle != "" {
		fmt.Fprintf(&b, "\nStyle: %s.", p.SubStyle)
	}

	resp, err := r.engine.Invoke(ctx, entity.EngineRequest{
		Prompt:            fmt.Sprintf("Source:\n%s\n\nDraft:\n%s", source, draft),
		SystemInstruction: b.String(),
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
