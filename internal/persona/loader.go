package persona

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const personaFileName = "PERSONA.md"

var errInvalidPersonaYAML = errors.New("invalid persona YAML frontmatter")

type personaFrontmatter struct {
	Name             string `yaml:"name"`
	Avatar           string `yaml:"avatar"`
	Role             string `yaml:"role,omitempty"`
	HumanInputMode   string `yaml:"humanInputMode,omitempty"`
	CodeExecution    bool   `yaml:"codeExecution,omitempty"`
	LLM              *bool  `yaml:"llm,omitempty"`
	DefaultAutoReply string `yaml:"defaultAutoReply,omitempty"`
	Description      string `yaml:"description,omitempty"`
}

// LoadDir reads <dir>/<name>/PERSONA.md files. A missing directory yields no
// personas. Entries are returned in directory name order.
func LoadDir(dir string) ([]Persona, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat personas dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("personas path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read personas dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	personas := make([]Persona, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name(), personaFileName)
		p, skip, err := parsePersonaFile(path)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}

		if prev, exists := seen[p.Name]; exists {
			return nil, fmt.Errorf("duplicate persona name %q in %s (already in %s)", p.Name, path, prev)
		}
		seen[p.Name] = path
		personas = append(personas, p)
	}
	return personas, nil
}

func parsePersonaFile(path string) (Persona, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Persona{}, true, nil
		}
		return Persona{}, false, fmt.Errorf("read persona %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return Persona{}, false, fmt.Errorf("parse persona %q: %w", path, err)
	}

	p := Persona{
		Name:             strings.TrimSpace(meta.Name),
		Avatar:           strings.TrimSpace(meta.Avatar),
		Role:             strings.TrimSpace(meta.Role),
		SystemMessage:    strings.TrimSpace(body),
		HumanInputMode:   strings.ToUpper(strings.TrimSpace(meta.HumanInputMode)),
		CodeExecution:    meta.CodeExecution,
		DefaultAutoReply: meta.DefaultAutoReply,
		Description:      strings.TrimSpace(meta.Description),
	}
	if p.Role == "" {
		p.Role = RoleAssistant
	}
	if p.HumanInputMode == "" {
		p.HumanInputMode = InputNever
	}
	if meta.LLM != nil {
		p.LLM = *meta.LLM
	} else {
		p.LLM = p.Role == RoleAssistant
	}

	if err := p.validate(); err != nil {
		return Persona{}, false, fmt.Errorf("parse persona %q: %w", path, err)
	}
	return p, false, nil
}

func parseFrontmatter(content []byte) (personaFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return personaFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return personaFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta personaFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return personaFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidPersonaYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}

// Render produces the PERSONA.md representation of p.
func Render(p Persona) ([]byte, error) {
	llm := p.LLM
	meta := personaFrontmatter{
		Name:             p.Name,
		Avatar:           p.Avatar,
		Role:             p.Role,
		HumanInputMode:   p.HumanInputMode,
		CodeExecution:    p.CodeExecution,
		LLM:              &llm,
		DefaultAutoReply: p.DefaultAutoReply,
		Description:      p.Description,
	}
	head, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal persona %q: %w", p.Name, err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n")
	buf.WriteString(p.SystemMessage)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// WriteDir writes one PERSONA.md per persona under dir, leaving existing
// files untouched. It returns the paths it created.
func WriteDir(dir string, personas []Persona) ([]string, error) {
	var created []string
	for _, p := range personas {
		path := filepath.Join(dir, strings.ToLower(p.Name), personaFileName)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		data, err := Render(p)
		if err != nil {
			return created, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return created, fmt.Errorf("create persona dir: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return created, fmt.Errorf("write persona %q: %w", path, err)
		}
		created = append(created, path)
	}
	return created, nil
}
