// Package qa gates attempt outputs with declarative validation specs.
//
// A verdict passes only when every enabled section passes. The security
// section runs first and its failures are terminal: no retry, no escalation
// past it. The remaining sections decide between retryable misses (likely
// truncation or prose noise) and hard violations.
package qa

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"log/slog"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// Built-in secret shapes checked whenever a security section is enabled,
// on top of the spec's own forbidden patterns.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),        // OpenAI-style keys
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),           // AWS access key ids
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),        // GitHub PATs
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`), // Slack tokens
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\{\{[^}]*\}\}`),
	regexp.MustCompile(`<(YOUR|INSERT|PLACEHOLDER)[^>]*>`),
	regexp.MustCompile(`\$\{[A-Z_]+\}`),
	regexp.MustCompile(`\[(INSERT|TODO|FILL)[^\]]*\]`),
}

// Validator applies QASpecs to attempt outputs.
type Validator struct {
	specs    domain.QASpecStore
	cfg      config.Config
	codeExec CodeRunner
	cmdExec  CommandRunner
	allow    map[string]bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithCodeRunner overrides the sandboxed code runner.
func WithCodeRunner(r CodeRunner) Option { return func(v *Validator) { v.codeExec = r } }

// WithCommandRunner overrides the external command runner.
func WithCommandRunner(r CommandRunner) Option { return func(v *Validator) { v.cmdExec = r } }

// NewValidator wires the validator against a spec store and the QA policy
// from config.
func NewValidator(specs domain.QASpecStore, cfg config.Config, opts ...Option) *Validator {
	v := &Validator{
		specs:    specs,
		cfg:      cfg,
		codeExec: execCodeRunner{},
		cmdExec:  execCommandRunner{},
		allow:    map[string]bool{},
	}
	for _, b := range cfg.CommandAllowlist() {
		v.allow[b] = true
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate runs the named spec against the output. An empty specRef applies
// only the default non-empty check. An unknown specRef is a hard failure:
// the order asked for a gate that does not exist.
func (v *Validator) Validate(ctx domain.Context, workOrderID, specRef, output string) domain.QAVerdict {
	if strings.TrimSpace(output) == "" {
		return fail(false, "empty output")
	}
	if specRef == "" {
		observability.QAVerdictsTotal.WithLabelValues("pass").Inc()
		return domain.QAVerdict{Passed: true}
	}
	spec, err := v.specs.Get(specRef)
	if err != nil {
		observability.QAVerdictsTotal.WithLabelValues("fail").Inc()
		return fail(false, fmt.Sprintf("qa spec %q not found", specRef))
	}

	verdict := v.apply(ctx, workOrderID, spec, output)
	switch {
	case verdict.Passed:
		observability.QAVerdictsTotal.WithLabelValues("pass").Inc()
	case verdict.SecurityViolation:
		observability.QAVerdictsTotal.WithLabelValues("security").Inc()
	default:
		observability.QAVerdictsTotal.WithLabelValues("fail").Inc()
	}
	return verdict
}

func (v *Validator) apply(ctx domain.Context, workOrderID string, spec domain.QASpec, output string) domain.QAVerdict {
	if spec.Security != nil {
		if reasons := v.checkSecurity(workOrderID, spec.Security, output); len(reasons) > 0 {
			return domain.QAVerdict{
				Passed:            false,
				FailedReasons:     reasons,
				RetryRecommended:  false,
				SecurityViolation: true,
			}
		}
	}

	var reasons []string
	retry := false
	hard := false

	record := func(sectionReasons []string, sectionRetry bool) {
		if len(sectionReasons) == 0 {
			return
		}
		reasons = append(reasons, sectionReasons...)
		if sectionRetry {
			retry = true
		} else {
			hard = true
		}
	}

	if spec.Format != nil {
		record(checkFormat(spec.Format, output))
	}
	if spec.Completeness != nil {
		record(checkCompleteness(spec.Completeness, output))
	}
	if spec.CodeExecution != nil && spec.CodeExecution.Language != "" && spec.CodeExecution.Language != "none" {
		record(v.checkCode(ctx, spec.CodeExecution, output))
	}
	if spec.Command != nil {
		record(v.checkCommand(ctx, spec.Command, output))
	}

	if len(reasons) == 0 {
		return domain.QAVerdict{Passed: true}
	}
	// A single hard violation makes the whole verdict non-retryable.
	return domain.QAVerdict{Passed: false, FailedReasons: reasons, RetryRecommended: retry && !hard}
}

func (v *Validator) checkSecurity(workOrderID string, sec *domain.QASecuritySection, output string) []string {
	var reasons []string
	for _, re := range secretPatterns {
		if loc := re.FindStringIndex(output); loc != nil {
			// Log the shape, never the match itself.
			slog.Warn("secret-like string in attempt output",
				slog.String("work_order_id", workOrderID),
				slog.String("pattern", re.String()),
				slog.Int("offset", loc[0]))
			reasons = append(reasons, fmt.Sprintf("secret-like string matching %s (redacted)", re.String()))
		}
	}
	for _, p := range sec.ForbiddenPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("invalid security pattern %q", p))
			continue
		}
		if loc := re.FindStringIndex(output); loc != nil {
			slog.Warn("forbidden pattern in attempt output",
				slog.String("work_order_id", workOrderID),
				slog.String("pattern", p),
				slog.Int("offset", loc[0]))
			reasons = append(reasons, fmt.Sprintf("forbidden pattern %q matched (redacted)", p))
		}
	}
	if sec.CheckPlaceholders {
		for _, re := range placeholderPatterns {
			if re.MatchString(output) {
				reasons = append(reasons, fmt.Sprintf("unfilled placeholder matching %s", re.String()))
			}
		}
	}
	return reasons
}

// checkFormat returns failure reasons plus whether a retry is worthwhile.
func checkFormat(f *domain.QAFormatSection, output string) ([]string, bool) {
	switch f.Type {
	case "", "text":
		return nil, false
	case "json":
		var obj map[string]any
		candidate := output
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			// Models often wrap valid JSON in prose or code fences.
			extracted, ok := extractJSONObject(output)
			if !ok {
				return []string{"output is not valid JSON"}, true
			}
			if err := json.Unmarshal([]byte(extracted), &obj); err != nil {
				return []string{"output is not valid JSON"}, true
			}
		}
		var missing []string
		for _, k := range f.RequiredKeys {
			if _, ok := obj[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return []string{fmt.Sprintf("missing required keys: %s", strings.Join(missing, ", "))}, true
		}
		return nil, false
	case "regex":
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return []string{fmt.Sprintf("invalid format pattern %q", f.Pattern)}, false
		}
		if !re.MatchString(output) {
			return []string{fmt.Sprintf("output does not match pattern %q", f.Pattern)}, true
		}
		return nil, false
	default:
		return []string{fmt.Sprintf("unknown format type %q", f.Type)}, false
	}
}

func checkCompleteness(c *domain.QACompletenessRules, output string) ([]string, bool) {
	var reasons []string
	retry := true
	for _, s := range c.RequiredSubstrings {
		if !strings.Contains(output, s) {
			reasons = append(reasons, fmt.Sprintf("missing required content %q", s))
		}
	}
	for _, s := range c.ForbiddenSubstrings {
		if strings.Contains(output, s) {
			reasons = append(reasons, fmt.Sprintf("forbidden content %q present", s))
			retry = false
		}
	}
	if c.MinLength > 0 && len(output) < c.MinLength {
		reasons = append(reasons, fmt.Sprintf("output shorter than %d chars", c.MinLength))
	}
	if c.MaxLength > 0 && len(output) > c.MaxLength {
		reasons = append(reasons, fmt.Sprintf("output longer than %d chars", c.MaxLength))
	}
	return reasons, retry
}

func (v *Validator) checkCode(ctx domain.Context, c *domain.QACodeExecutionRules, output string) ([]string, bool) {
	if c.Language != "python" {
		return []string{fmt.Sprintf("unsupported code language %q", c.Language)}, false
	}
	if !v.cfg.QAAllowCodeExec {
		if v.cfg.QAStrictMode {
			return []string{"code execution required but disabled by policy"}, false
		}
		slog.Warn("skipping code_execution section, disabled by policy")
		return nil, false
	}
	code := extractCode(output)
	syntaxOnly := c.Mode != "execute_in_sandbox"
	err := v.codeExec.Run(ctx, code, syntaxOnly, c.TimeoutSeconds)
	if err == nil {
		return nil, false
	}
	if syntaxOnly {
		return []string{fmt.Sprintf("python syntax check failed: %v", err)}, true
	}
	return []string{fmt.Sprintf("sandboxed execution failed: %v", err)}, false
}

func (v *Validator) checkCommand(ctx domain.Context, c *domain.QACommandSection, output string) ([]string, bool) {
	if !v.cfg.QAAllowCommands {
		if v.cfg.QAStrictMode {
			return []string{"command validation required but disabled by policy"}, false
		}
		slog.Warn("skipping command section, disabled by policy")
		return nil, false
	}
	if !v.allow[c.Binary] {
		return []string{fmt.Sprintf("command %q not on the allowlist", c.Binary)}, false
	}
	out, err := v.cmdExec.Run(ctx, c.Binary, c.Args, output)
	if err != nil {
		snippet := out
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return []string{fmt.Sprintf("validator command %q failed: %v: %s", c.Binary, err, snippet)}, true
	}
	return nil, false
}

func fail(retry bool, reason string) domain.QAVerdict {
	return domain.QAVerdict{Passed: false, FailedReasons: []string{reason}, RetryRecommended: retry}
}

// extractJSONObject pulls the outermost {...} span out of surrounding prose
// or code fences.
func extractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// extractCode strips a markdown code fence when present; otherwise the whole
// output is treated as code.
func extractCode(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
