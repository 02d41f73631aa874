package login

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingBandSlowAtBothEnds(t *testing.T) {
	slow := 120 * time.Millisecond

	min, max := typingBand(0, 20)
	assert.Equal(t, slow, min)
	assert.Equal(t, 250*time.Millisecond, max)

	// The trailing characters slow down again.
	min, _ = typingBand(19, 20)
	assert.Equal(t, slow, min)
	min, _ = typingBand(17, 20)
	assert.Equal(t, slow, min)

	// The middle is faster than either end.
	min, max = typingBand(10, 20)
	assert.Equal(t, 50*time.Millisecond, min)
	assert.Equal(t, 150*time.Millisecond, max)
}

func TestTypeDisabledFillsInBulk(t *testing.T) {
	page := newScriptedPage()
	h := NewHumanizer(false, 1.0)

	require.NoError(t, h.Type(context.Background(), page, selIdentifierField, "user@example.com"))
	assert.Equal(t, "user@example.com", page.filled[selIdentifierField])
}
