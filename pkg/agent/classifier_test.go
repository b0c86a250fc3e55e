package agent

import (
	"os"
	"path/filepath"
	"testing"

	"qshield/pkg/models"
)

func defaultClassifier(t *testing.T, selfPID int32) *Classifier {
	t.Helper()
	c, err := NewClassifier(DefaultSignatures, DefaultSelfPatterns, selfPID)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	return c
}

func TestClassifyDefaultTable(t *testing.T) {
	t.Parallel()
	c := defaultClassifier(t, 0)
	cases := []struct {
		cmd  string
		name string
		mode models.ExecutionMode
	}{
		{"/usr/local/bin/claude --dangerously-skip-permissions", "claude-code", models.ModeAIAutonomous},
		{"node /usr/lib/node_modules/@anthropic-ai/claude-code/cli.js", "claude-code", models.ModeAIAutonomous},
		{"node /opt/homebrew/bin/codex exec", "codex", models.ModeAIAutonomous},
		{"python3 -m aider --model x", "aider", models.ModeAIAutonomous},
		{"/home/dev/.vscode/extensions/github.copilot-1.2/dist/language-server.js", "copilot", models.ModeAIAssisted},
		{"/Applications/Cursor.app/Contents/MacOS/Cursor", "cursor", models.ModeAIAssisted},
	}
	for _, tc := range cases {
		sig, ok := c.Classify(Process{PID: 10, CommandLine: tc.cmd})
		if !ok || sig.Name != tc.name || sig.Mode != tc.mode {
			t.Fatalf("%q: got %+v ok=%v", tc.cmd, sig, ok)
		}
	}
	for _, cmd := range []string{
		"/Applications/Claude.app/Contents/MacOS/Claude",
		"/Applications/Cursor.app/Contents/Frameworks/Cursor Helper (GPU).app --type=gpu-process",
		"vim notes.txt",
		"",
	} {
		if sig, ok := c.Classify(Process{PID: 11, CommandLine: cmd}); ok {
			t.Fatalf("%q should not classify, got %+v", cmd, sig)
		}
	}
}

func TestClassifyFiltersSelf(t *testing.T) {
	t.Parallel()
	c := defaultClassifier(t, 42)
	if _, ok := c.Classify(Process{PID: 42, CommandLine: "claude"}); ok {
		t.Fatal("own pid must be filtered")
	}
	if _, ok := c.Classify(Process{PID: 43, CommandLine: "/usr/bin/trustctl verify-chain claude"}); ok {
		t.Fatal("self invocation must be filtered")
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	t.Parallel()
	c, err := NewClassifier([]Signature{
		{Name: "first", Match: "agent", Mode: models.ModeAIAssisted},
		{Name: "second", Match: "agent", Mode: models.ModeAIAutonomous},
	}, nil, 0)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	sig, ok := c.Classify(Process{PID: 1, CommandLine: "AGENT run"})
	if !ok || sig.Name != "first" {
		t.Fatalf("got %+v", sig)
	}
}

func TestNewClassifierRejectsBadTable(t *testing.T) {
	t.Parallel()
	bad := [][]Signature{
		{{Name: "", Match: "x", Mode: models.ModeAIAssisted}},
		{{Name: "x", Match: "(", Mode: models.ModeAIAssisted}},
		{{Name: "x", Match: "x", Mode: "ROGUE"}},
		{{Name: "x", Match: "x", Exclude: []string{"["}, Mode: models.ModeAIAssisted}},
	}
	for i, sigs := range bad {
		if _, err := NewClassifier(sigs, nil, 0); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if _, err := NewClassifier(nil, []string{"("}, 0); err == nil {
		t.Fatal("expected bad self pattern error")
	}
}

func TestLoadSignatures(t *testing.T) {
	t.Parallel()
	f, err := LoadSignatures("")
	if err != nil || len(f.Signatures) != len(DefaultSignatures) {
		t.Fatalf("defaults = %d, %v", len(f.Signatures), err)
	}
	f, err = LoadSignatures(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || len(f.Self) != len(DefaultSelfPatterns) {
		t.Fatalf("missing file should use defaults: %v", err)
	}
	path := filepath.Join(t.TempDir(), "sigs.yaml")
	raw := "signatures:\n  - name: in-house\n    match: 'inhouse-agent'\n    mode: AI_AUTONOMOUS\nself:\n  - 'qshield-dev'\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err = LoadSignatures(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(f.Signatures) != 1 || f.Signatures[0].Mode != models.ModeAIAutonomous || f.Self[0] != "qshield-dev" {
		t.Fatalf("unexpected file %+v", f)
	}
	if err := os.WriteFile(path, []byte("signatures: ["), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadSignatures(path); err == nil {
		t.Fatal("expected parse error")
	}
}
