package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidation(t *testing.T) {
	_, err := New(Config{Handler: func(string) {}})
	assert.Error(t, err)

	_, err = New(Config{Dir: t.TempDir()})
	assert.Error(t, err)

	_, err = New(Config{Dir: filepath.Join(t.TempDir(), "missing"), Handler: func(string) {}})
	assert.Error(t, err)
}

func TestFiresOnWrite(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var changed []string
	w, err := New(Config{
		Dir:      dir,
		Debounce: 10 * time.Millisecond,
		Handler: func(path string) {
			mu.Lock()
			changed = append(changed, filepath.Base(path))
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changed) > 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Contains(t, changed, "package.json")
	mu.Unlock()
}

func TestDebounceSuppressesBursts(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Handler: func(string) {}, Debounce: time.Minute})
	require.NoError(t, err)
	defer w.fs.Close()

	assert.True(t, w.shouldFire("/a"))
	assert.False(t, w.shouldFire("/a"))
	assert.True(t, w.shouldFire("/b"), "different paths debounce independently")
}
