package textx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/agent-scheduler/pkg/textx"
)

func TestSanitizeText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", textx.SanitizeText("  hello \x00\x07 "))
	assert.Equal(t, "a\nb", textx.SanitizeText("a\nb"))
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", textx.TruncateRunes("abc", 5))
	assert.Equal(t, "ab…", textx.TruncateRunes("abcdef", 2))
	assert.Equal(t, "", textx.TruncateRunes("abc", 0))
}

func TestCollapseWhitespace(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a b c", textx.CollapseWhitespace("a \n b\t\tc"))
}
