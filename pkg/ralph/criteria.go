package ralph

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"foreman/pkg/protocol"
)

// CommandRunner executes one acceptance-check command in a working
// directory. Abstracted so tests can script pass/fail sequences.
type CommandRunner interface {
	Run(ctx context.Context, cwd, command string) (output string, err error)
}

// criterionTimeout bounds one acceptance check so a hung test command cannot
// stall the dispatch loop forever.
const criterionTimeout = 10 * time.Minute

// ExecRunner runs criteria through the shell.
type ExecRunner struct{}

// Run executes command under sh -c in cwd and returns combined output.
func (ExecRunner) Run(ctx context.Context, cwd, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, criterionTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // criteria come from the operator's PRD
	cmd.Dir = cwd
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("run %q: %w", command, err)
	}
	return string(out), nil
}

// evaluateCriteria checks every criterion and records per-criterion results.
// A criterion whose check itself cannot execute counts as failed for this
// iteration, never as an engine fault.
func evaluateCriteria(ctx context.Context, runner CommandRunner, cwd string, criteria []protocol.Criterion) []protocol.CriterionResult {
	out := make([]protocol.CriterionResult, 0, len(criteria))
	for _, c := range criteria {
		passed, detail := evaluateCriterion(ctx, runner, cwd, c)
		out = append(out, protocol.CriterionResult{Criterion: c, Passed: passed, Detail: detail})
	}
	return out
}

func evaluateCriterion(ctx context.Context, runner CommandRunner, cwd string, c protocol.Criterion) (bool, string) {
	switch c.Type {
	case protocol.CriterionCommand:
		out, err := runner.Run(ctx, cwd, c.Command)
		if err != nil {
			return false, truncate(fmt.Sprintf("%v\n%s", err, out))
		}
		return true, ""

	case protocol.CriterionScript:
		out, err := runner.Run(ctx, cwd, c.Script)
		if err != nil {
			return false, truncate(fmt.Sprintf("%v\n%s", err, out))
		}
		return true, ""

	case protocol.CriterionFileExists:
		path := resolvePath(cwd, c.Path)
		if _, err := os.Stat(path); err != nil {
			return false, fmt.Sprintf("%s does not exist", path)
		}
		return true, ""

	case protocol.CriterionFileContains:
		path := resolvePath(cwd, c.Path)
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return false, fmt.Sprintf("invalid pattern %q: %v", c.Pattern, err)
		}
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return false, fmt.Sprintf("read %s: %v", path, err)
		}
		if !re.Match(data) {
			return false, fmt.Sprintf("%s does not match %q", path, c.Pattern)
		}
		return true, ""

	default:
		return false, fmt.Sprintf("unknown criterion type %q", c.Type)
	}
}

func resolvePath(cwd, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cwd, path)
}

// truncate bounds failure detail carried forward as a retry hint.
func truncate(s string) string {
	const maxDetail = 2000
	if len(s) <= maxDetail {
		return s
	}
	return s[:maxDetail] + "\n[truncated]"
}
