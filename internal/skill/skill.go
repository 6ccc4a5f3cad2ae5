// Package skill discovers convention-based skills: directories holding
// a SKILL.md, found under the workspace skills/ dir and under each
// session's own skills/ dir.
package skill

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const skillFile = "SKILL.md"

// Scope says where a skill was discovered.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeSession Scope = "session"
)

// Skill is one discovered skill directory.
type Skill struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Scope   Scope  `json:"scope"`
	Session string `json:"session,omitempty"`
}

// Discover scans the workspace for skills: <base>/skills/ for global
// ones and <base>/<session>/skills/ for session-scoped ones. Missing
// directories are fine.
func Discover(basePath, session string, logger *zap.Logger) []Skill {
	skills := scanDir(filepath.Join(basePath, "skills"), ScopeGlobal, "")
	if session != "" {
		skills = append(skills, scanDir(filepath.Join(basePath, session, "skills"), ScopeSession, session)...)
	}
	logger.Debug("discovered skills",
		zap.String("session", session),
		zap.Int("count", len(skills)))
	return skills
}

func scanDir(dir string, scope Scope, session string) []Skill {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var skills []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, skillFile)); err != nil {
			continue
		}
		skills = append(skills, Skill{
			Name:    entry.Name(),
			Path:    path,
			Scope:   scope,
			Session: session,
		})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

// FormatPrompt renders the discovered skills as a system prompt
// section. No skills means no section.
func FormatPrompt(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var global, session []Skill
	for _, s := range skills {
		if s.Scope == ScopeGlobal {
			global = append(global, s)
		} else {
			session = append(session, s)
		}
	}

	var b strings.Builder
	b.WriteString("## Available Skills\n\n")
	b.WriteString("Skills are reusable tools. Read SKILL.md before using.\n\n")
	writeGroup := func(header string, group []Skill) {
		if len(group) == 0 {
			return
		}
		b.WriteString(header + "\n")
		for _, s := range group {
			b.WriteString("- **" + s.Name + "** (`" + s.Path + "/`)\n")
		}
		b.WriteString("\n")
	}
	writeGroup("### Global Skills", global)
	writeGroup("### Session Skills", session)
	b.WriteString("To use: read SKILL.md, then run commands via bash.")
	return b.String()
}
