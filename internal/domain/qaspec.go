package domain

// QASpec is a declarative validation recipe applied to an attempt's output.
// All sections are optional; an absent section is skipped. The security
// section always runs first and its failures are terminal.
type QASpec struct {
	Name          string                `yaml:"name" json:"name"`
	Format        *QAFormatSection      `yaml:"format,omitempty" json:"format,omitempty"`
	Completeness  *QACompletenessRules  `yaml:"completeness,omitempty" json:"completeness,omitempty"`
	Security      *QASecuritySection    `yaml:"security,omitempty" json:"security,omitempty"`
	CodeExecution *QACodeExecutionRules `yaml:"code_execution,omitempty" json:"code_execution,omitempty"`
	Command       *QACommandSection     `yaml:"command,omitempty" json:"command,omitempty"`
}

// QAFormatSection validates output shape.
type QAFormatSection struct {
	// Type is one of json, text, regex.
	Type         string   `yaml:"type" json:"type"`
	RequiredKeys []string `yaml:"required_keys,omitempty" json:"required_keys,omitempty"`
	Pattern      string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// QACompletenessRules validates content coverage.
type QACompletenessRules struct {
	RequiredSubstrings  []string `yaml:"required_substrings,omitempty" json:"required_substrings,omitempty"`
	ForbiddenSubstrings []string `yaml:"forbidden_substrings,omitempty" json:"forbidden_substrings,omitempty"`
	MinLength           int      `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength           int      `yaml:"max_length,omitempty" json:"max_length,omitempty"`
}

// QASecuritySection detects leaked secrets and unfilled templating.
type QASecuritySection struct {
	CheckPlaceholders bool     `yaml:"check_placeholders,omitempty" json:"check_placeholders,omitempty"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns,omitempty" json:"forbidden_patterns,omitempty"`
}

// QACodeExecutionRules optionally checks or runs produced code.
type QACodeExecutionRules struct {
	// Language is python or none.
	Language string `yaml:"language" json:"language"`
	// Mode is syntax_only or execute_in_sandbox.
	Mode           string `yaml:"mode" json:"mode"`
	TimeoutSeconds int    `yaml:"timeout_s,omitempty" json:"timeout_s,omitempty"`
}

// QACommandSection runs an external validator command. Policy-gated: the
// binary must be on the configured allowlist and QA_ALLOW_COMMANDS must be
// set; the command receives the output on stdin and its exit code feeds the
// verdict.
type QACommandSection struct {
	Binary string   `yaml:"binary" json:"binary"`
	Args   []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// QAVerdict is the validator's decision for one attempt.
type QAVerdict struct {
	Passed        bool     `json:"passed"`
	FailedReasons []string `json:"failed_reasons,omitempty"`
	// RetryRecommended is true for likely-transient failures (truncation,
	// prose around valid JSON). Always false for security failures.
	RetryRecommended bool `json:"retry_recommended"`
	// SecurityViolation marks a terminal security failure.
	SecurityViolation bool `json:"security_violation,omitempty"`
}

// QASpecStore resolves a spec by name.
type QASpecStore interface {
	Get(name string) (QASpec, error)
}
