// Package redact detects sensitive substrings in command text and replaces
// them with placeholders before anything is persisted. Each replacement can
// be captured as a token so the database backend can offer retrieval of the
// original value.
package redact

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/hushlog/hushlog/internal/config"
	"github.com/hushlog/hushlog/internal/errs"
	"github.com/hushlog/hushlog/internal/logger"
)

// Token is a sensitive value paired with the placeholder that replaced it.
type Token struct {
	Type        string
	Placeholder string
	Original    string
}

// Result is the outcome of redacting one command.
type Result struct {
	Text     string
	Tokens   []Token
	Redacted bool
}

// builtinPattern associates a compiled-later expression with a token type.
// Group names the submatch holding the secret; 0 means the whole match.
type builtinPattern struct {
	typ   string
	expr  string
	group int
}

// Builtin pattern set, in precedence order. More specific shapes come
// first so a bearer token is typed bearer_token rather than api_key.
var builtinPatterns = []builtinPattern{
	{"private_key", `-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)-----END [A-Z ]*PRIVATE KEY-----`, 0},
	{"connection_string", `(?i)\b[a-z][a-z0-9+.-]*://[^:/\s@]+:([^@\s]+)@`, 1},
	{"bearer_token", `(?i)\bbearer\s+([A-Za-z0-9._=-]+)`, 1},
	{"aws_credential", `(?i)\baws_(?:access_key_id|secret_access_key|session_token)\s*[=:]\s*['"]?([^\s'"]+)`, 1},
	{"aws_credential", `\b(AKIA[0-9A-Z]{16})\b`, 1},
	{"github_token", `\b(gh[pousr]_[A-Za-z0-9]{36})\b`, 1},
	{"password", `(?i)\b(?:password|passwd|pwd|pass)\s*[=:]\s*['"]?([^\s'"]+)`, 1},
	{"api_key", `(?i)\b(?:api[_-]?key|apikey|access_token|auth_token|refresh_token|client_secret|secret[_-]?key|secret|token)\s*[=:]\s*['"]?([^\s'"]+)`, 1},
}

// placeholderRe matches placeholders already present in the text. Spans it
// matches are protected, which makes Redact idempotent: a second pass can
// never match inside a placeholder.
var placeholderRe = regexp.MustCompile(`<redacted:[a-z_]+:\d+>`)

// envAssignRe matches KEY=value where KEY follows env-var naming.
var envAssignRe = regexp.MustCompile(`\b([A-Z][A-Z0-9_]+)=(\S+)`)

type compiledPattern struct {
	typ    string
	re     *regexp.Regexp
	group  int
	source string
}

// Engine applies the configured pattern set to command text.
type Engine struct {
	enabled   bool
	patterns  []compiledPattern
	exclude   []*regexp.Regexp
	envVars   map[string]bool
	envUsage  []*regexp.Regexp
	redactEnv bool
	minLength int
	logger    *logger.Logger
}

// New builds an engine from the redaction configuration. Invalid custom or
// exclude patterns are reported per pattern via a joined error; the engine
// still loads with every pattern that did compile.
func New(cfg config.RedactionConfig) (*Engine, error) {
	e := &Engine{
		enabled:   cfg.Enabled,
		envVars:   make(map[string]bool),
		redactEnv: cfg.RedactEnvVars,
		minLength: cfg.MinSecretLength,
		logger:    logger.GetLogger().Redaction(),
	}

	if cfg.UseBuiltinPatterns {
		for _, bp := range builtinPatterns {
			e.patterns = append(e.patterns, compiledPattern{
				typ:    bp.typ,
				re:     regexp.MustCompile(bp.expr),
				group:  bp.group,
				source: bp.expr,
			})
		}
	}

	var patternErrs []error

	for _, p := range cfg.CustomPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			patternErrs = append(patternErrs, errs.E(errs.KindPattern, "redact.New",
				fmt.Errorf("custom pattern %q: %w", p, err)))
			continue
		}
		group := 0
		if re.NumSubexp() > 0 {
			group = 1
		}
		e.patterns = append(e.patterns, compiledPattern{typ: "custom", re: re, group: group, source: p})
	}

	for _, p := range cfg.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			patternErrs = append(patternErrs, errs.E(errs.KindPattern, "redact.New",
				fmt.Errorf("exclude pattern %q: %w", p, err)))
			continue
		}
		e.exclude = append(e.exclude, re)
	}

	for _, name := range cfg.EnvVars {
		e.envVars[name] = true
		quoted := regexp.QuoteMeta(name)
		// $VAR and ${VAR} usages are fully replaced
		e.envUsage = append(e.envUsage,
			regexp.MustCompile(`\$\{`+quoted+`\}`),
			regexp.MustCompile(`\$`+quoted+`\b`),
		)
	}

	return e, errors.Join(patternErrs...)
}

// Redact scans text once per pattern in precedence order and replaces every
// sensitive span with a placeholder of the form <redacted:TYPE:N>. N counts
// up from 0 within a single command. Already-redacted text is returned
// unchanged.
func (e *Engine) Redact(text string) Result {
	res := Result{Text: text}
	if !e.enabled {
		return res
	}
	counter := 0

	for _, p := range e.patterns {
		res.Text, counter = e.applyPattern(res.Text, p, counter, &res.Tokens)
	}

	if e.redactEnv {
		res.Text, counter = e.applyEnvAssignments(res.Text, counter, &res.Tokens)
	}
	res.Text, counter = e.applyEnvUsages(res.Text, counter, &res.Tokens)

	res.Redacted = counter > 0
	return res
}

type span struct {
	start, end int
}

// protectedSpans returns spans that no pattern may touch: existing
// placeholders and anything matched by an exclude pattern. Exclude
// patterns are evaluated first by construction, so a span they cover is
// skipped by every builtin, custom and env pattern.
func (e *Engine) protectedSpans(text string) []span {
	var spans []span
	for _, loc := range placeholderRe.FindAllStringIndex(text, -1) {
		spans = append(spans, span{loc[0], loc[1]})
	}
	for _, re := range e.exclude {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, span{loc[0], loc[1]})
		}
	}
	return spans
}

func overlapsAny(spans []span, start, end int) bool {
	for _, s := range spans {
		if start < s.end && end > s.start {
			return true
		}
	}
	return false
}

func (e *Engine) applyPattern(text string, p compiledPattern, counter int, tokens *[]Token) (string, int) {
	matches := p.re.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return text, counter
	}

	protected := e.protectedSpans(text)

	type replacement struct {
		start, end  int
		placeholder string
	}
	var repls []replacement

	for _, m := range matches {
		start, end := m[2*p.group], m[2*p.group+1]
		if start < 0 {
			continue
		}
		if end-start < e.minLength {
			continue
		}
		// The whole match span decides overlap, so a pattern whose
		// keyword touches a placeholder does not fire again.
		if overlapsAny(protected, m[0], m[1]) {
			continue
		}
		placeholder := fmt.Sprintf("<redacted:%s:%d>", p.typ, counter)
		counter++
		*tokens = append(*tokens, Token{Type: p.typ, Placeholder: placeholder, Original: text[start:end]})
		repls = append(repls, replacement{start, end, placeholder})
	}

	// Placeholders were numbered left to right; apply right to left so
	// earlier offsets stay valid.
	for i := len(repls) - 1; i >= 0; i-- {
		r := repls[i]
		text = text[:r.start] + r.placeholder + text[r.end:]
	}

	return text, counter
}

// applyEnvAssignments redacts KEY=value assignments. When an explicit env
// var list is configured only those names fire; otherwise any KEY that
// follows env-var naming does.
func (e *Engine) applyEnvAssignments(text string, counter int, tokens *[]Token) (string, int) {
	matches := envAssignRe.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return text, counter
	}

	protected := e.protectedSpans(text)

	type replacement struct {
		start, end  int
		placeholder string
	}
	var repls []replacement

	for _, m := range matches {
		name := text[m[2]:m[3]]
		if len(e.envVars) > 0 && !e.envVars[name] {
			continue
		}
		start, end := m[4], m[5]
		if end-start < e.minLength {
			continue
		}
		if overlapsAny(protected, m[0], m[1]) {
			continue
		}
		placeholder := fmt.Sprintf("<redacted:env:%d>", counter)
		counter++
		*tokens = append(*tokens, Token{Type: "env", Placeholder: placeholder, Original: text[start:end]})
		repls = append(repls, replacement{start, end, placeholder})
	}

	for i := len(repls) - 1; i >= 0; i-- {
		r := repls[i]
		text = text[:r.start] + r.placeholder + text[r.end:]
	}

	return text, counter
}

// applyEnvUsages replaces $VAR and ${VAR} references to configured env
// vars. The expansion value is unknown here, so no token is recorded.
func (e *Engine) applyEnvUsages(text string, counter int, tokens *[]Token) (string, int) {
	for _, re := range e.envUsage {
		matches := re.FindAllStringIndex(text, -1)
		if matches == nil {
			continue
		}
		protected := e.protectedSpans(text)

		type replacement struct {
			start, end  int
			placeholder string
		}
		var repls []replacement
		for _, m := range matches {
			if overlapsAny(protected, m[0], m[1]) {
				continue
			}
			placeholder := fmt.Sprintf("<redacted:env:%d>", counter)
			counter++
			*tokens = append(*tokens, Token{Type: "env", Placeholder: placeholder, Original: text[m[0]:m[1]]})
			repls = append(repls, replacement{m[0], m[1], placeholder})
		}
		for i := len(repls) - 1; i >= 0; i-- {
			r := repls[i]
			text = text[:r.start] + r.placeholder + text[r.end:]
		}
	}
	return text, counter
}

// ContainsSensitive reports whether text would be modified by Redact,
// without building the result.
func (e *Engine) ContainsSensitive(text string) bool {
	return e.Redact(text).Redacted
}

// Validate compiles a candidate pattern and, when sample is non-empty,
// runs it against the sample the way a configured custom pattern would
// run. The compile failure is a PatternError.
func Validate(pattern, sample string, minLength int) (Result, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Result{}, errs.E(errs.KindPattern, "redact.Validate",
			fmt.Errorf("pattern %q: %w", pattern, err))
	}

	if sample == "" {
		return Result{Text: ""}, nil
	}

	group := 0
	if re.NumSubexp() > 0 {
		group = 1
	}
	e := &Engine{
		enabled:   true,
		patterns:  []compiledPattern{{typ: "custom", re: re, group: group, source: pattern}},
		envVars:   map[string]bool{},
		minLength: minLength,
	}
	e.logger = logger.GetLogger().Redaction()
	return e.Redact(sample), nil
}
