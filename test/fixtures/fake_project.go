// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"os"
	"path/filepath"
)

// FakeProject creates a small full-stack application tree.
type FakeProject struct {
	Root string
}

// NewFakeProject creates a new fake project generator rooted at root.
func NewFakeProject(root string) *FakeProject {
	return &FakeProject{Root: root}
}

// Files returns the project files relative to Root.
func (f *FakeProject) Files() map[string]string {
	return map[string]string{
		"web/index.html":            "<html><body>demo</body></html>",
		"web/js/app.js":             "console.log('demo')",
		"src/app/__init__.py":       "",
		"src/app/main.py":           "def run():\n    print('ready')\n",
		"src/app/util.py":           "VALUE = 1\n",
		"src/app/__pycache__/x.pyc": "bytecode",
		"src/tests/test_main.py":    "def test(): pass\n",
		"assets/logo.png":           "png",
		"requirements.txt":          "requests==2.31.0\n",
		"apppack.yaml":              manifest,
		"hooks/collect.lua":         "resource(\"../assets/logo.png\")\n",
	}
}

const manifest = `name: demo
version: "1.0.0"
frontend: web
backend:
  entry_point: app.main:run
  strategy: source-overlay
  include: [src]
  exclude: [tests]
  resources: [assets]
window:
  title: Demo
  width: 800
  height: 600
`

// Create writes the project tree.
func (f *FakeProject) Create() error {
	for rel, content := range f.Files() {
		path := filepath.Join(f.Root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

// ManifestPath returns the path of the project's manifest.
func (f *FakeProject) ManifestPath() string {
	return filepath.Join(f.Root, "apppack.yaml")
}

// Exists checks if the project tree exists.
func (f *FakeProject) Exists() bool {
	_, err := os.Stat(filepath.Join(f.Root, "src", "app", "main.py"))
	return err == nil
}
