// Package translate applies an optional translation pass to outbound message
// content, keyed off the reading user's preferred language. The actual
// translation service lives outside the core; deployments without one wire
// the no-op.
package translate

import (
	"context"

	"github.com/charhubai/charhub/internal/models"
)

type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// Noop passes text through unchanged.
type Noop struct{}

func (Noop) Translate(_ context.Context, text, _ string) (string, error) {
	return text, nil
}

// Messages rewrites message contents in place for the target language. An
// empty target language skips the pass entirely. A failed translation keeps
// the original text; readers prefer the source language over an error.
func Messages(ctx context.Context, tr Translator, msgs []models.Message, lang string) {
	if tr == nil || lang == "" {
		return
	}
	for i := range msgs {
		if msgs[i].Content == "" {
			continue
		}
		translated, err := tr.Translate(ctx, msgs[i].Content, lang)
		if err != nil {
			continue
		}
		msgs[i].Content = translated
	}
}
