package usecase

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
	"github.com/fairyhunter13/agent-scheduler/pkg/textx"
)

// Classification is the admin classifier's output for one raw message.
type Classification struct {
	Intent            string
	Difficulty        domain.Difficulty
	Owner             domain.Tier
	CompressedContext string
	RelevantFiles     []string
	QARequirements    string
	EquipmentHint     string
	// ClarifyingQuestion is set only for unclear requests; the caller sends
	// it back to the user instead of enqueuing.
	ClarifyingQuestion string
}

// Admin classifies raw messages into work orders. It is a deterministic
// heuristic: fast, free, and good enough for routing. A model-backed
// classifier can replace it behind the same method.
type Admin struct {
	equipment domain.EquipmentRunner
	counter   *tokencount.Counter
	maxTokens int
}

// NewAdmin builds the classifier. maxContextTokens caps the compressed
// context length.
func NewAdmin(equipment domain.EquipmentRunner, maxContextTokens int) *Admin {
	if maxContextTokens <= 0 {
		maxContextTokens = 1000
	}
	return &Admin{
		equipment: equipment,
		counter:   tokencount.DefaultCounter,
		maxTokens: maxContextTokens,
	}
}

var (
	filePattern     = regexp.MustCompile(`[\w./\\-]+\.(?:go|py|js|ts|tsx|rs|java|rb|md|yaml|yml|json|toml|sql|sh|proto|txt|css|html)\b`)
	criteriaPattern = regexp.MustCompile(`(?im)^.*\b(must|should|acceptance|criteri|require)\w*\b.*$`)

	complexMarkers = []string{
		"implement", "build", "design", "architect", "refactor", "migrate",
		"integrate", "rewrite", "optimise", "optimize", "end-to-end", "pipeline",
	}
	normalMarkers = []string{
		"fix", "write", "create", "add", "update", "debug", "test", "review",
		"produce", "generate", "summarise", "summarize", "translate",
	}
	questionMarkers = []string{
		"what", "why", "how", "when", "where", "who", "explain", "define", "describe",
	}
)

// Classify judges one message. It never errors: the worst outcome is an
// unclear classification with a clarifying question.
func (a *Admin) Classify(_ domain.Context, raw string, history []string, channel string) Classification {
	msg := textx.CollapseWhitespace(textx.SanitizeText(raw))
	lower := strings.ToLower(msg)
	words := strings.Fields(lower)

	c := Classification{
		RelevantFiles:  extractFiles(msg),
		QARequirements: extractCriteria(raw),
	}

	if hint := a.equipmentHint(words); hint != "" {
		c.EquipmentHint = hint
	}

	c.Intent = classifyIntent(lower, c.EquipmentHint)
	c.Difficulty = classifyDifficulty(lower, words, c)
	c.Owner = domain.OwnerForDifficulty(c.Difficulty)

	if c.Difficulty == domain.DifficultyUnclear {
		c.ClarifyingQuestion = clarifyingQuestion(msg, channel)
		return c
	}

	c.CompressedContext = a.compress(msg, history, c)
	return c
}

func (a *Admin) equipmentHint(words []string) string {
	if a.equipment == nil || len(words) == 0 {
		return ""
	}
	if a.equipment.Known(words[0]) {
		return words[0]
	}
	if len(words) >= 2 && words[0] == "run" && a.equipment.Known(words[1]) {
		return words[1]
	}
	return ""
}

func classifyIntent(lower, equipmentHint string) string {
	switch {
	case equipmentHint != "":
		return "run_equipment"
	case containsAny(lower, []string{"fix", "bug", "broken", "crash", "error"}):
		return "fix_bug"
	case containsAny(lower, []string{"implement", "build", "create", "add", "write"}):
		return "build_feature"
	case containsAny(lower, []string{"explain", "walk me through", "what does"}):
		return "explain_code"
	case startsWithAny(lower, questionMarkers) || strings.HasSuffix(lower, "?"):
		return "answer_question"
	default:
		return "general_request"
	}
}

func classifyDifficulty(lower string, words []string, c Classification) domain.Difficulty {
	if c.EquipmentHint != "" {
		return domain.DifficultyTrivial
	}
	// Too little signal to route anywhere.
	if len(words) < 2 {
		return domain.DifficultyUnclear
	}
	switch strings.Join(words, " ") {
	case "help", "help me", "do it", "please help", "can you help":
		return domain.DifficultyUnclear
	}
	if containsAny(lower, complexMarkers) || len(words) > 150 || len(c.RelevantFiles) > 2 {
		return domain.DifficultyComplex
	}
	if containsAny(lower, normalMarkers) {
		return domain.DifficultyNormal
	}
	if startsWithAny(lower, questionMarkers) || strings.HasSuffix(lower, "?") || len(words) <= 12 {
		return domain.DifficultyTrivial
	}
	return domain.DifficultyNormal
}

// compress preserves the stated goal, referenced files, acceptance criteria
// and the turn count; pleasantries and repetition are dropped by the token
// cap.
func (a *Admin) compress(msg string, history []string, c Classification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "goal: %s", textx.TruncateRunes(msg, 600))
	if len(c.RelevantFiles) > 0 {
		fmt.Fprintf(&b, "\nfiles: %s", strings.Join(c.RelevantFiles, ", "))
	}
	if c.QARequirements != "" {
		fmt.Fprintf(&b, "\nacceptance: %s", c.QARequirements)
	}
	fmt.Fprintf(&b, "\nconversation_turns: %d", len(history)+1)
	if n := len(history); n > 0 {
		// Most recent turns carry the live intent.
		start := n - 3
		if start < 0 {
			start = 0
		}
		for _, h := range history[start:] {
			fmt.Fprintf(&b, "\nprior: %s", textx.TruncateRunes(textx.CollapseWhitespace(h), 200))
		}
	}
	return a.counter.Truncate("cl100k_base", b.String(), a.maxTokens)
}

func clarifyingQuestion(msg, _ string) string {
	if strings.TrimSpace(msg) == "" {
		return "The message came through empty. What would you like done?"
	}
	return "I need a bit more detail to route this. What outcome do you want, and which files or systems are involved?"
}

func extractFiles(msg string) []string {
	matches := filePattern.FindAllString(msg, -1)
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func extractCriteria(raw string) string {
	lines := criteriaPattern.FindAllString(raw, -1)
	for i, l := range lines {
		lines[i] = textx.CollapseWhitespace(l)
	}
	if len(lines) > 8 {
		lines = lines[:8]
	}
	return strings.Join(lines, "; ")
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func startsWithAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
