package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// promptFiles are read in order from <dir>/<agentID>/ and joined.
var promptFiles = []string{"SYSTEM.md", "STYLE.md", "RULES.md"}

// LoadPrompt reads the prompt files for agentID under dir and returns their
// concatenated content, or "" when none exist.
func LoadPrompt(dir, agentID string) string {
	if dir == "" {
		return ""
	}
	base := filepath.Join(dir, agentID)
	var parts []string
	for _, f := range promptFiles {
		data, err := os.ReadFile(filepath.Join(base, f))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// ApplyPromptDir replaces each config's system prompt with the files found
// under dir, keeping the built-in prompt when there are none.
func ApplyPromptDir(cfgs []Config, dir string) []Config {
	out := make([]Config, len(cfgs))
	for i, c := range cfgs {
		if p := LoadPrompt(dir, c.ID); p != "" {
			c.SystemPrompt = p
		}
		out[i] = c
	}
	return out
}
