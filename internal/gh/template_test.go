package gh

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseTemplate_NoFrontMatter(t *testing.T) {
	tpl := parseTemplate([]byte("## Summary\n\nDescribe your change.\n"))
	if tpl.Title != "" {
		t.Fatalf("Title = %q, want empty", tpl.Title)
	}
	if tpl.Body != "## Summary\n\nDescribe your change.\n" {
		t.Fatalf("Body = %q", tpl.Body)
	}
}

func TestParseTemplate_FrontMatterTitle(t *testing.T) {
	content := "---\ntitle: \"feat: {description}\"\n---\n\n## Checklist\n- [ ] tests\n"
	tpl := parseTemplate([]byte(content))
	if tpl.Title != "feat: {description}" {
		t.Fatalf("Title = %q", tpl.Title)
	}
	if tpl.Body != "## Checklist\n- [ ] tests\n" {
		t.Fatalf("Body = %q", tpl.Body)
	}
}

func TestParseTemplate_NameFallback(t *testing.T) {
	content := "---\nname: Feature PR\n---\nbody\n"
	tpl := parseTemplate([]byte(content))
	if tpl.Title != "Feature PR" {
		t.Fatalf("Title = %q", tpl.Title)
	}
}

func TestParseTemplate_UnterminatedFence(t *testing.T) {
	content := "---\njust a horizontal rule intro\n\nbody\n"
	tpl := parseTemplate([]byte(content))
	if tpl.Body != content {
		t.Fatalf("unterminated fence should keep document intact, got %q", tpl.Body)
	}
}

func TestParseTemplate_CRLF(t *testing.T) {
	content := "---\r\ntitle: T\r\n---\r\nbody\r\n"
	tpl := parseTemplate([]byte(content))
	if tpl.Title != "T" {
		t.Fatalf("Title = %q", tpl.Title)
	}
}

func TestDetectTemplate(t *testing.T) {
	root := t.TempDir()
	if tpl := DetectTemplate(root); tpl != nil {
		t.Fatalf("expected nil without a template, got %+v", tpl)
	}

	ghDir := filepath.Join(root, ".github")
	if err := os.MkdirAll(ghDir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(ghDir, "PULL_REQUEST_TEMPLATE.md")
	if err := os.WriteFile(path, []byte("## Summary\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tpl := DetectTemplate(root)
	if tpl == nil {
		t.Fatal("template not detected")
	}
	if tpl.Path != path {
		t.Fatalf("Path = %q, want %q", tpl.Path, path)
	}
}
