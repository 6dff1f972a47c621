package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePRD(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prd.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write prd: %v", err)
	}
	return path
}

func TestValidateCmdAcceptsGoodPRD(t *testing.T) {
	path := writePRD(t, `
name: demo
stories:
  - id: s1
    title: first
    acceptance_criteria:
      - type: command
        command: go test ./...
`)
	cmd := newValidateCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "demo: 1 stories") {
		t.Errorf("output = %q", out.String())
	}
}

func TestValidateCmdRejectsCyclicPRD(t *testing.T) {
	path := writePRD(t, `
name: cyclic
stories:
  - id: a
    title: a
    depends_on: [b]
  - id: b
    title: b
    depends_on: [a]
`)
	cmd := newValidateCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path})
	if err := cmd.Execute(); err == nil {
		t.Fatal("cyclic PRD validated")
	}
	if !strings.Contains(out.String(), "cycle") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRootCmdHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "validate", "run", "agents", "status"} {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %s", name)
		}
	}
}
