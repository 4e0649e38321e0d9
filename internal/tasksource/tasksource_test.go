package tasksource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procherder/agent/internal/herderr"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		marker string
		want   ProjectType
	}{
		{"node", "package.json", Node},
		{"go", "go.mod", Gomod},
		{"rust", "Cargo.toml", Rust},
		{"make", "Makefile", Make},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, tt.marker, "x")
			assert.Equal(t, tt.want, Detect(dir))
		})
	}

	assert.Equal(t, Unknown, Detect(t.TempDir()))
}

func TestPackageJSONTasks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{
		"name": "app",
		"scripts": {
			"dev": "vite",
			"test": "vitest run",
			"test:e2e": "playwright test",
			"api": "node server.js"
		}
	}`)

	src := NewSource(dir, nil)
	tasks, err := src.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	dev, err := src.Lookup("dev")
	require.NoError(t, err)
	assert.Equal(t, "npm", dev.Command)
	assert.Equal(t, []string{"run", "dev"}, dev.Args)
	assert.Equal(t, "frontend", dev.Role)

	e2e, err := src.Lookup("test:e2e")
	require.NoError(t, err)
	assert.Equal(t, "e2e", e2e.Role)

	api, err := src.Lookup("api")
	require.NoError(t, err)
	assert.Equal(t, "backend", api.Role)
}

func TestMakefileTasks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Makefile", `
.PHONY: build test

VAR := value

build:
	go build ./...

test: build
	go test ./...

server:
	./bin/server
`)

	src := NewSource(dir, nil)
	tasks, err := src.Tasks()
	require.NoError(t, err)

	names := make([]string, 0, len(tasks))
	for _, task := range tasks {
		names = append(names, task.Name)
	}
	assert.ElementsMatch(t, []string{"build", "test", "server"}, names)

	test, err := src.Lookup("test")
	require.NoError(t, err)
	assert.Equal(t, "make", test.Command)
	assert.Equal(t, "test", test.Role)
}

func TestGoTasks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/app\n")

	src := NewSource(dir, nil)
	test, err := src.Lookup("test")
	require.NoError(t, err)
	assert.Equal(t, "go", test.Command)
	assert.Equal(t, []string{"test", "./..."}, test.Args)
}

func TestLookupUnknownTask(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/app\n")

	src := NewSource(dir, nil)
	_, err := src.Lookup("deploy")
	assert.True(t, herderr.Is(err, herderr.TaskNotFound))
}

func TestEmptyWorkspace(t *testing.T) {
	src := NewSource(t.TempDir(), nil)
	_, err := src.Tasks()
	assert.True(t, herderr.Is(err, herderr.TaskNotFound))
}

func TestCacheInvalidation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts": {"dev": "vite"}}`)

	src := NewSource(dir, nil)
	_, err := src.Lookup("dev")
	require.NoError(t, err)

	writeFile(t, dir, "package.json", `{"scripts": {"dev": "vite", "test": "vitest"}}`)

	// Cache still serves the old list until invalidated.
	_, err = src.Lookup("test")
	assert.Error(t, err)

	src.Invalidate()
	_, err = src.Lookup("test")
	assert.NoError(t, err)
}

func TestTaskSpec(t *testing.T) {
	task := Task{Name: "dev", Command: "npm", Args: []string{"run", "dev"}, Role: "frontend", Source: "package.json"}
	spec := task.Spec("/srv/app")
	assert.Equal(t, "/srv/app", spec.Cwd)
	assert.Equal(t, "frontend", spec.Role)
	assert.Contains(t, spec.Tags, "task")
}
