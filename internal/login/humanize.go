// Package login implements the scripted provider login sequence: a strict
// stage machine with human-emulated input, challenge detection, and
// validation, plus the manager facade that orchestrates session reuse.
package login

import (
	"context"
	"math/rand"
	"time"

	"browser-auth/internal/browser"
)

// Humanizer injects human-like pacing into page interactions. When disabled
// every delay collapses to zero so tests and bulk runs stay fast.
type Humanizer struct {
	enabled    bool
	multiplier float64
	rng        *rand.Rand
}

func NewHumanizer(enabled bool, multiplier float64) *Humanizer {
	if multiplier <= 0 {
		multiplier = 1.0
	}
	return &Humanizer{
		enabled:    enabled,
		multiplier: multiplier,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay sleeps for a random duration in [min, max] scaled by the multiplier.
// Returns early if the context is cancelled.
func (h *Humanizer) Delay(ctx context.Context, min, max time.Duration) {
	if !h.enabled || max <= 0 {
		return
	}
	span := max - min
	d := min
	if span > 0 {
		d += time.Duration(h.rng.Int63n(int64(span)))
	}
	d = time.Duration(float64(d) * h.multiplier)

	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Pause sleeps a short "thinking" beat between form steps.
func (h *Humanizer) Pause(ctx context.Context) {
	h.Delay(ctx, 1*time.Second, 3*time.Second)
}

// typingBand returns the keystroke delay band for one character position:
// the first and last few characters of a string come slower, the middle
// faster, the way real typing ramps up and trails off.
func typingBand(pos, total int) (time.Duration, time.Duration) {
	if pos < 3 || pos >= total-3 {
		return 120 * time.Millisecond, 250 * time.Millisecond
	}
	return 50 * time.Millisecond, 150 * time.Millisecond
}

// Type enters text one character at a time with position-dependent keystroke
// spacing, and occasionally a longer mid-string hesitation.
func (h *Humanizer) Type(ctx context.Context, page browser.Page, selector, text string) error {
	if !h.enabled {
		return page.Fill(ctx, selector, text, 0)
	}

	runes := []rune(text)
	for i, ch := range runes {
		if err := page.Type(ctx, selector, string(ch)); err != nil {
			return err
		}

		min, max := typingBand(i, len(runes))
		if i >= 3 && i < len(runes)-3 && h.rng.Intn(12) == 0 {
			// Occasional hesitation mid-string.
			min, max = 300*time.Millisecond, 700*time.Millisecond
		}
		h.Delay(ctx, min, max)
	}
	return nil
}

// Click clicks the element at a small random offset from its top-left area
// rather than dead center, which is how real pointers land.
func (h *Humanizer) Click(ctx context.Context, page browser.Page, selector string, timeout time.Duration) error {
	opts := browser.ClickOptions{Timeout: timeout}
	if h.enabled {
		opts.OffsetX = 4 + h.rng.Float64()*12
		opts.OffsetY = 4 + h.rng.Float64()*8
	}
	return page.Click(ctx, selector, opts)
}
