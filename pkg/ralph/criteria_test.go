package ralph

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"foreman/pkg/protocol"
)

func TestEvaluateFileCriteria(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	tests := []struct {
		name string
		c    protocol.Criterion
		want bool
	}{
		{"exists", protocol.Criterion{Type: protocol.CriterionFileExists, Path: "main.go"}, true},
		{"missing", protocol.Criterion{Type: protocol.CriterionFileExists, Path: "nope.go"}, false},
		{"matches", protocol.Criterion{Type: protocol.CriterionFileContains, Path: "main.go", Pattern: `func main\(\)`}, true},
		{"no match", protocol.Criterion{Type: protocol.CriterionFileContains, Path: "main.go", Pattern: "func TestMain"}, false},
		{"bad pattern", protocol.Criterion{Type: protocol.CriterionFileContains, Path: "main.go", Pattern: "("}, false},
		{"unknown type", protocol.Criterion{Type: "telepathy"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, detail := evaluateCriterion(context.Background(), ExecRunner{}, dir, tt.c)
			if passed != tt.want {
				t.Errorf("passed = %v (%s), want %v", passed, detail, tt.want)
			}
			if !passed && detail == "" {
				t.Error("failed criterion has no detail")
			}
		})
	}
}

func TestExecRunnerCommandCriteria(t *testing.T) {
	dir := t.TempDir()
	results := evaluateCriteria(context.Background(), ExecRunner{}, dir, []protocol.Criterion{
		{Type: protocol.CriterionCommand, Command: "true"},
		{Type: protocol.CriterionCommand, Command: "false"},
		{Type: protocol.CriterionScript, Script: "echo hi; exit 3"},
	})
	if !results[0].Passed {
		t.Errorf("true failed: %s", results[0].Detail)
	}
	// A failing check and a script that cannot succeed both count as failed
	// criteria, never as engine faults.
	if results[1].Passed || results[2].Passed {
		t.Errorf("results = %+v", results[1:])
	}
}
