package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCollectAgentFiles(t *testing.T) {
	dir := t.TempDir()

	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}

	write("agent.py", "root_agent = 1")
	write("tools/search.py", "def search(): pass")
	write(".env", "SECRET=1")
	write("agent.pyc", "binary")
	write("__pycache__/agent.cpython-311.pyc", "binary")
	write(".git/config", "[core]")

	files, err := collectAgentFiles(dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := files["agent.py"]; !ok {
		t.Error("agent.py missing")
	}
	if _, ok := files["tools/search.py"]; !ok {
		t.Error("tools/search.py missing")
	}
	for name := range files {
		switch {
		case name == ".env", filepath.Ext(name) == ".pyc":
			t.Errorf("should have skipped %q", name)
		case strings.HasPrefix(name, "__pycache__"), strings.HasPrefix(name, ".git"):
			t.Errorf("should have skipped %q", name)
		}
	}
	if got := files["agent.py"]; got != "root_agent = 1" {
		t.Errorf("agent.py content = %q", got)
	}
}

func TestCollectAgentFiles_EmptyDir(t *testing.T) {
	if _, err := collectAgentFiles(t.TempDir()); err == nil {
		t.Fatal("expected error for empty directory")
	}
}
