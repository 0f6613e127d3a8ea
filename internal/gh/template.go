package gh

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is a PR template found in one of the conventional locations
// (under .github/, docs/, or the repository root), with any YAML front
// matter split off.
type Template struct {
	Path  string
	Title string
	Body  string
}

// templateMeta is the optional YAML front matter of a PR template.
type templateMeta struct {
	Title string `yaml:"title"`
	Name  string `yaml:"name"`
}

var templateCandidates = []string{
	filepath.Join(".github", "PULL_REQUEST_TEMPLATE.md"),
	filepath.Join(".github", "pull_request_template.md"),
	filepath.Join(".github", "PULL_REQUEST_TEMPLATE", "pull_request_template.md"),
	"PULL_REQUEST_TEMPLATE.md",
	filepath.Join("docs", "PULL_REQUEST_TEMPLATE.md"),
}

// DetectTemplate looks for a PR template in the repository's conventional
// locations. Returns nil when none exists.
func DetectTemplate(repoRoot string) *Template {
	for _, rel := range templateCandidates {
		path := filepath.Join(repoRoot, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		tpl := parseTemplate(data)
		tpl.Path = path
		return tpl
	}
	return nil
}

// parseTemplate splits optional `---` YAML fences off the template body and
// extracts a default title when the front matter declares one.
func parseTemplate(content []byte) *Template {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return &Template{Body: string(normalized)}
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return &Template{Body: string(normalized)}
	}

	var meta templateMeta
	if err := yaml.Unmarshal(parts[0], &meta); err != nil {
		// Not front matter after all; keep the document as-is.
		return &Template{Body: string(normalized)}
	}
	title := meta.Title
	if title == "" {
		title = meta.Name
	}
	return &Template{
		Title: title,
		Body:  strings.TrimLeft(string(parts[1]), "\n"),
	}
}
