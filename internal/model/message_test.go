package model

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSortMessages(t *testing.T) {
	base := time.Now().UTC()
	msgs := []ChatMessage{
		{ID: "c", Seq: 3, SentAt: base.Add(2 * time.Second)},
		{ID: "a", Seq: 1, SentAt: base},
		// Same timestamp as "a": Seq breaks the tie.
		{ID: "b", Seq: 2, SentAt: base},
	}

	SortMessages(msgs)

	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)
	assert.Equal(t, "c", msgs[2].ID)
}

func TestMessageSummary(t *testing.T) {
	short := ChatMessage{Content: "see you at 5"}
	assert.Equal(t, "see you at 5", short.Summary())

	long := ChatMessage{Content: strings.Repeat("x", 500)}
	got := long.Summary()
	assert.Len(t, got, 120)
	assert.True(t, strings.HasSuffix(got, "..."))

	// Multi-byte content must not be cut mid-rune.
	wide := ChatMessage{Content: strings.Repeat("ü", 300)}
	got = wide.Summary()
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), 120)
}
