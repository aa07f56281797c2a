package grading

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// ErrUnsupportedLanguage is returned before any execution when the runner
// cannot handle the requested language.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Case statuses.
const (
	CaseStatusPassed       = "passed"
	CaseStatusWrongAnswer  = "wrong_answer"
	CaseStatusRuntimeError = "runtime_error"
	CaseStatusTimeout      = "timeout"
	CaseStatusSandboxError = "sandbox_error"
)

const (
	defaultCaseTimeout     = 20 * time.Second
	defaultCaseConcurrency = 4
	stderrLimit            = 200
)

// RunRequest is a single program execution.
type RunRequest struct {
	Language string
	Source   string
	Stdin    string
}

// RunResult is what the sandbox reports for one execution. A non-nil error
// from CodeRunner.Run means the sandbox itself failed.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// CodeRunner executes untrusted code in a sandbox.
type CodeRunner interface {
	Supports(language string) bool
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// TestCase is one input/expected-output pair.
type TestCase struct {
	Input          string   `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// CaseResult is the outcome of one test case.
type CaseResult struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
	Got      string `json:"got"`
	Passed   bool   `json:"passed"`
	Status   string `json:"status"`
	Stderr   string `json:"stderr,omitempty"`
}

// CodeResult summarises a graded submission.
type CodeResult struct {
	Score           float64      `json:"score"`
	Passed          int          `json:"passed"`
	Total           int          `json:"total"`
	SandboxFailures int          `json:"sandbox_failures"`
	Results         []CaseResult `json:"results"`
}

// Degraded reports whether every case failed because of the sandbox rather
// than the submission.
func (r CodeResult) Degraded() bool {
	return r.Total > 0 && r.SandboxFailures == r.Total
}

// Map renders the result for JSON storage.
func (r CodeResult) Map() map[string]interface{} {
	results := make([]interface{}, 0, len(r.Results))
	for _, item := range r.Results {
		results = append(results, map[string]interface{}{
			"input":    item.Input,
			"expected": item.Expected,
			"got":      item.Got,
			"passed":   item.Passed,
			"status":   item.Status,
			"stderr":   item.Stderr,
		})
	}
	return map[string]interface{}{
		"score":            r.Score,
		"passed":           r.Passed,
		"total":            r.Total,
		"sandbox_failures": r.SandboxFailures,
		"results":          results,
	}
}

// CodeGraderConfig tunes execution limits.
type CodeGraderConfig struct {
	CaseTimeout time.Duration
	Concurrency int
}

// CodeGrader runs a submission against its test cases.
type CodeGrader struct {
	runner CodeRunner
	cfg    CodeGraderConfig
}

// NewCodeGrader constructs a grader using the supplied runner.
func NewCodeGrader(runner CodeRunner, cfg CodeGraderConfig) *CodeGrader {
	if cfg.CaseTimeout <= 0 {
		cfg.CaseTimeout = defaultCaseTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultCaseConcurrency
	}
	return &CodeGrader{runner: runner, cfg: cfg}
}

// Supports reports whether the configured runner accepts the language.
func (g *CodeGrader) Supports(language string) bool {
	return g.runner != nil && g.runner.Supports(normalizeLanguage(language))
}

// Grade executes every case and scores the fraction that passed. A failing
// case never aborts the others.
func (g *CodeGrader) Grade(ctx context.Context, code, language string, cases []TestCase, marks float64) (CodeResult, error) {
	if len(cases) == 0 || strings.TrimSpace(code) == "" {
		return CodeResult{Score: 0, Total: len(cases), Results: []CaseResult{}}, nil
	}

	language = normalizeLanguage(language)
	if !g.Supports(language) {
		return CodeResult{}, ErrUnsupportedLanguage
	}

	results := make([]CaseResult, len(cases))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.cfg.Concurrency)

	for i, tc := range cases {
		group.Go(func() error {
			results[i] = g.runCase(groupCtx, code, language, tc)
			return nil
		})
	}
	_ = group.Wait()

	result := CodeResult{Total: len(cases), Results: results}
	for _, item := range results {
		if item.Passed {
			result.Passed++
		}
		if item.Status == CaseStatusSandboxError {
			result.SandboxFailures++
		}
	}
	result.Score = round(float64(result.Passed)/float64(result.Total)*marks, 2)

	return result, nil
}

// Run executes code once without test cases.
func (g *CodeGrader) Run(ctx context.Context, code, language, stdin string) (RunResult, error) {
	language = normalizeLanguage(language)
	if !g.Supports(language) {
		return RunResult{}, ErrUnsupportedLanguage
	}

	runCtx, cancel := context.WithTimeout(ctx, g.cfg.CaseTimeout)
	defer cancel()

	return g.runner.Run(runCtx, RunRequest{Language: language, Source: code, Stdin: stdin})
}

func (g *CodeGrader) runCase(ctx context.Context, code, language string, tc TestCase) CaseResult {
	caseCtx, cancel := context.WithTimeout(ctx, g.cfg.CaseTimeout)
	defer cancel()

	item := CaseResult{Input: tc.Input, Expected: tc.ExpectedOutput}

	out, err := g.runner.Run(caseCtx, RunRequest{Language: language, Source: code, Stdin: tc.Input})
	switch {
	case out.TimedOut || errors.Is(err, context.DeadlineExceeded):
		item.Status = CaseStatusTimeout
		item.Stderr = truncate(firstNonEmpty(out.Stderr, "execution timed out"), stderrLimit)
		return item
	case err != nil:
		item.Status = CaseStatusSandboxError
		item.Stderr = truncate(err.Error(), stderrLimit)
		return item
	}

	item.Got = strings.TrimSpace(out.Stdout)
	item.Stderr = truncate(out.Stderr, stderrLimit)

	switch {
	case item.Got == strings.TrimSpace(tc.ExpectedOutput):
		item.Passed = true
		item.Status = CaseStatusPassed
	case out.ExitCode != 0:
		item.Status = CaseStatusRuntimeError
	default:
		item.Status = CaseStatusWrongAnswer
	}

	return item
}

func normalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

// truncate keeps at most limit characters, never splitting a rune.
func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	count := 0
	for i := range value {
		if count == limit {
			return value[:i]
		}
		count++
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
