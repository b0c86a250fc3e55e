// Package agent detects AI coding agents among running processes and keeps
// one governed session per detected process.
package agent

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"qshield/pkg/models"

	"gopkg.in/yaml.v3"
)

// Signature recognizes one agent by its command line. Match and Exclude are
// case-insensitive regular expressions.
type Signature struct {
	Name    string               `yaml:"name"`
	Match   string               `yaml:"match"`
	Exclude []string             `yaml:"exclude,omitempty"`
	Mode    models.ExecutionMode `yaml:"mode"`
}

// SignaturesFile is the YAML layout of AGENT_SIGNATURES_FILE.
type SignaturesFile struct {
	Signatures []Signature `yaml:"signatures"`
	Self       []string    `yaml:"self,omitempty"`
}

// DefaultSignatures is the built-in table. Autonomous agents come first so a
// process matching both kinds is treated as the riskier one.
var DefaultSignatures = []Signature{
	{Name: "claude-code", Match: `(^|[/\s])claude(\s|$)|@anthropic-ai/claude-code`, Exclude: []string{`claude\.app`, `claude helper`}, Mode: models.ModeAIAutonomous},
	{Name: "codex", Match: `(^|[/\s])codex(\s|$)|@openai/codex`, Mode: models.ModeAIAutonomous},
	{Name: "aider", Match: `(^|[/\s])aider(\s|$)|aider-chat`, Mode: models.ModeAIAutonomous},
	{Name: "gemini-cli", Match: `(^|[/\s])gemini(\s|$)|@google/gemini-cli`, Mode: models.ModeAIAutonomous},
	{Name: "openhands", Match: `openhands`, Mode: models.ModeAIAutonomous},
	{Name: "copilot", Match: `copilot-language-server|github\.copilot`, Mode: models.ModeAIAssisted},
	{Name: "cursor", Match: `(^|/)cursor(\s|$)|cursor\.app/`, Exclude: []string{`--type=gpu-process`, `crashpad`}, Mode: models.ModeAIAssisted},
	{Name: "windsurf", Match: `windsurf`, Exclude: []string{`--type=gpu-process`}, Mode: models.ModeAIAssisted},
	{Name: "continue", Match: `continue-binary`, Mode: models.ModeAIAssisted},
}

// DefaultSelfPatterns filter the engine's own invocations.
var DefaultSelfPatterns = []string{`(^|/)trustd(\s|$)`, `(^|/)trustctl(\s|$)`}

type compiledSignature struct {
	Signature
	match   *regexp.Regexp
	exclude []*regexp.Regexp
}

// Classifier applies a signature table in order; the first match wins.
type Classifier struct {
	sigs    []compiledSignature
	self    []*regexp.Regexp
	selfPID int32
}

func compile(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + expr)
}

func NewClassifier(sigs []Signature, selfPatterns []string, selfPID int32) (*Classifier, error) {
	c := &Classifier{selfPID: selfPID}
	for i, s := range sigs {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("signature %d: name required", i)
		}
		if !s.Mode.Valid() {
			return nil, fmt.Errorf("signature %q: unknown mode %q", s.Name, s.Mode)
		}
		re, err := compile(s.Match)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", s.Name, err)
		}
		cs := compiledSignature{Signature: s, match: re}
		for _, ex := range s.Exclude {
			exRe, err := compile(ex)
			if err != nil {
				return nil, fmt.Errorf("signature %q exclude: %w", s.Name, err)
			}
			cs.exclude = append(cs.exclude, exRe)
		}
		c.sigs = append(c.sigs, cs)
	}
	for _, p := range selfPatterns {
		re, err := compile(p)
		if err != nil {
			return nil, fmt.Errorf("self pattern %q: %w", p, err)
		}
		c.self = append(c.self, re)
	}
	return c, nil
}

// Classify returns the signature matching p, if any.
func (c *Classifier) Classify(p Process) (Signature, bool) {
	if p.PID == c.selfPID && c.selfPID != 0 {
		return Signature{}, false
	}
	cmd := strings.TrimSpace(p.CommandLine)
	if cmd == "" {
		return Signature{}, false
	}
	for _, re := range c.self {
		if re.MatchString(cmd) {
			return Signature{}, false
		}
	}
	for _, s := range c.sigs {
		if !s.match.MatchString(cmd) {
			continue
		}
		excluded := false
		for _, ex := range s.exclude {
			if ex.MatchString(cmd) {
				excluded = true
				break
			}
		}
		if !excluded {
			return s.Signature, true
		}
	}
	return Signature{}, false
}

// LoadSignatures reads a signature table from path. An empty path or a
// missing file yields the defaults.
func LoadSignatures(path string) (SignaturesFile, error) {
	defaults := SignaturesFile{Signatures: DefaultSignatures, Self: DefaultSelfPatterns}
	if path == "" {
		return defaults, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return SignaturesFile{}, fmt.Errorf("read signatures: %w", err)
	}
	var f SignaturesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return SignaturesFile{}, fmt.Errorf("parse signatures: %w", err)
	}
	if len(f.Signatures) == 0 {
		f.Signatures = DefaultSignatures
	}
	if len(f.Self) == 0 {
		f.Self = DefaultSelfPatterns
	}
	return f, nil
}
