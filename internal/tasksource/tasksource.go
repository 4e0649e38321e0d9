// Package tasksource resolves start-task names into concrete process
// specs by reading the workspace's build files. Project type is detected
// from marker files on disk; the descriptor cache invalidates through
// internal/watcher when those files change.
package tasksource

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/herderr"
	"github.com/procherder/agent/internal/watcher"
)

// ProjectType identifies what kind of workspace the root looks like.
type ProjectType string

const (
	Node    ProjectType = "node"
	Gomod   ProjectType = "go"
	Rust    ProjectType = "rust"
	Make    ProjectType = "make"
	Unknown ProjectType = "unknown"
)

// Detect identifies the project type from marker files.
func Detect(dir string) ProjectType {
	switch {
	case fileExists(filepath.Join(dir, "package.json")):
		return Node
	case fileExists(filepath.Join(dir, "go.mod")):
		return Gomod
	case fileExists(filepath.Join(dir, "Cargo.toml")):
		return Rust
	case fileExists(filepath.Join(dir, "Makefile")):
		return Make
	default:
		return Unknown
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Task is one runnable task discovered in the workspace.
type Task struct {
	Name    string
	Command string
	Args    []string
	Role    string
	Source  string // which build file produced it
}

// Spec converts a task into the ProcessSpec start-task hands to the core.
func (t Task) Spec(cwd string) config.ProcessSpec {
	return config.ProcessSpec{
		Name:    t.Name,
		Command: t.Command,
		Args:    t.Args,
		Cwd:     cwd,
		Role:    t.Role,
		Tags:    []string{"task", t.Source},
	}
}

// Source discovers and caches tasks for one workspace root.
type Source struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]Task
	fresh bool
}

// NewSource creates a Source over the workspace root.
func NewSource(root string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{root: root, logger: logger.With("component", "tasksource")}
}

// Watch starts the cache-invalidating file watcher; it returns immediately
// and stops when ctx is cancelled. Safe to skip in tests.
func (s *Source) Watch(ctx context.Context) error {
	w, err := watcher.New(watcher.Config{
		Dir:    s.root,
		Logger: s.logger,
		Handler: func(path string) {
			switch filepath.Base(path) {
			case "package.json", "Makefile", "go.mod", "Cargo.toml":
				s.Invalidate()
			}
		},
	})
	if err != nil {
		return err
	}
	go w.Run(ctx)
	return nil
}

// Invalidate drops the cached task list.
func (s *Source) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fresh = false
}

// Tasks returns every discovered task, sorted by name.
func (s *Source) Tasks() ([]Task, error) {
	byName, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(byName))
	for _, t := range byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Lookup resolves one task by name.
func (s *Source) Lookup(name string) (Task, error) {
	byName, err := s.load()
	if err != nil {
		return Task{}, err
	}
	t, ok := byName[name]
	if !ok {
		return Task{}, herderr.New(herderr.TaskNotFound, fmt.Sprintf("task %q not found in %s", name, s.root))
	}
	return t, nil
}

func (s *Source) load() (map[string]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fresh {
		return s.tasks, nil
	}

	tasks := make(map[string]Task)
	switch Detect(s.root) {
	case Node:
		if err := s.loadPackageJSON(tasks); err != nil {
			return nil, err
		}
	case Gomod:
		loadGoTasks(tasks)
	case Rust:
		loadCargoTasks(tasks)
	case Make:
		if err := s.loadMakefile(tasks); err != nil {
			return nil, err
		}
	default:
		return nil, herderr.New(herderr.TaskNotFound, fmt.Sprintf("no recognizable build file in %s", s.root))
	}

	s.tasks = tasks
	s.fresh = true
	return tasks, nil
}

func (s *Source) loadPackageJSON(tasks map[string]Task) error {
	data, err := os.ReadFile(filepath.Join(s.root, "package.json"))
	if err != nil {
		return fmt.Errorf("read package.json: %w", err)
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return fmt.Errorf("parse package.json: %w", err)
	}
	for name := range pkg.Scripts {
		tasks[name] = Task{
			Name: name, Command: "npm", Args: []string{"run", name},
			Role: inferRole(name), Source: "package.json",
		}
	}
	return nil
}

// makeTarget matches unindented `target:` lines, skipping pattern rules and
// special targets.
var makeTarget = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9_./-]*)\s*:([^=]|$)`)

func (s *Source) loadMakefile(tasks map[string]Task) error {
	f, err := os.Open(filepath.Join(s.root, "Makefile"))
	if err != nil {
		return fmt.Errorf("read Makefile: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := makeTarget.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		name := m[1]
		if strings.HasPrefix(name, ".") {
			continue
		}
		if _, dup := tasks[name]; dup {
			continue
		}
		tasks[name] = Task{
			Name: name, Command: "make", Args: []string{name},
			Role: inferRole(name), Source: "makefile",
		}
	}
	return scanner.Err()
}

func loadGoTasks(tasks map[string]Task) {
	tasks["test"] = Task{Name: "test", Command: "go", Args: []string{"test", "./..."}, Role: "test", Source: "go.mod"}
	tasks["build"] = Task{Name: "build", Command: "go", Args: []string{"build", "./..."}, Role: "utility", Source: "go.mod"}
	tasks["vet"] = Task{Name: "vet", Command: "go", Args: []string{"vet", "./..."}, Role: "utility", Source: "go.mod"}
}

func loadCargoTasks(tasks map[string]Task) {
	tasks["test"] = Task{Name: "test", Command: "cargo", Args: []string{"test"}, Role: "test", Source: "Cargo.toml"}
	tasks["build"] = Task{Name: "build", Command: "cargo", Args: []string{"build"}, Role: "utility", Source: "Cargo.toml"}
	tasks["run"] = Task{Name: "run", Command: "cargo", Args: []string{"run"}, Role: "backend", Source: "Cargo.toml"}
}

// inferRole guesses a role from the task name; callers can always override
// on start-process.
func inferRole(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "e2e"):
		return "e2e"
	case strings.Contains(n, "test"):
		return "test"
	case strings.Contains(n, "api") || strings.Contains(n, "server") || strings.Contains(n, "backend"):
		return "backend"
	case strings.Contains(n, "dev") || strings.Contains(n, "start") || strings.Contains(n, "serve") || strings.Contains(n, "front"):
		return "frontend"
	default:
		return "utility"
	}
}
