package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// busyNames 把集合内的文件名视为占用中。
type busyNames map[string]bool

func (b busyNames) InUse(name string) bool { return b[name] }

func (b busyNames) IfIdle(name string, fn func() error) (bool, error) {
	if b[name] {
		return false, nil
	}
	return true, fn()
}

// reopenedBeforeRemove 在列目录时报告空闲，删除前复查时报告已被占用。
type reopenedBeforeRemove struct {
	mu      sync.Mutex
	checked []string
}

func (o *reopenedBeforeRemove) InUse(string) bool { return false }

func (o *reopenedBeforeRemove) IfIdle(name string, _ func() error) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checked = append(o.checked, name)
	return false, nil
}

func (o *reopenedBeforeRemove) names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.checked...)
}

func writeEntry(t *testing.T, store *Store, url string, size int, age time.Duration) string {
	t.Helper()
	c, err := store.Open(url)
	require.NoError(t, err)
	require.NoError(t, c.Append(make([]byte, size)))
	require.NoError(t, c.Complete())
	require.NoError(t, c.Close())

	modTime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(store.Path(url), modTime, modTime))
	return Name(url)
}

func TestCleaner_getFilesToRemove(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Name: "new", SizeBytes: 100, ModTime: base},
		{Name: "oldest", SizeBytes: 100, ModTime: base.Add(-3 * time.Hour)},
		{Name: "busy", SizeBytes: 100, ModTime: base.Add(-4 * time.Hour)},
		{Name: "older", SizeBytes: 100, ModTime: base.Add(-2 * time.Hour)},
	}

	tests := []struct {
		name      string
		maxSize   int64
		wantNames []string
	}{
		{"under budget", 400, nil},
		{"one over", 300, []string{"oldest"}},
		{"two over", 200, []string{"oldest", "older"}},
		{"busy kept", 0, []string{"oldest", "older", "new"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Cleaner{
				maxTotalFileSize: tt.maxSize,
				occupancy:        busyNames{"busy": true},
			}
			got, total := c.getFilesToRemove(entries)
			require.Equal(t, int64(400), total)

			var names []string
			for _, e := range got {
				names = append(names, e.Name)
			}
			require.Equal(t, tt.wantNames, names)
		})
	}
}

func TestCleanerEvictsLeastRecentlyUsed(t *testing.T) {
	r := require.New(t)
	store := newTestStore(t)

	oldest := writeEntry(t, store, "http://cdn.example.com/1.mp4", 400, 3*time.Hour)
	_ = writeEntry(t, store, "http://cdn.example.com/2.mp4", 400, 2*time.Hour)
	_ = writeEntry(t, store, "http://cdn.example.com/3.mp4", 400, time.Hour)

	cleaner := NewCleaner(store, time.Hour, 1000, nil, nil)
	defer func() { r.NoError(cleaner.Shutdown(context.Background())) }()

	r.Eventually(func() bool {
		return !store.IsCached("http://cdn.example.com/1.mp4")
	}, 2*time.Second, 10*time.Millisecond, "最旧的文件 %s 应被淘汰", oldest)
	r.True(store.IsCached("http://cdn.example.com/2.mp4"))
	r.True(store.IsCached("http://cdn.example.com/3.mp4"))
}

func TestCleanerTriggerAndShutdown(t *testing.T) {
	r := require.New(t)
	store := newTestStore(t)

	cleaner := NewCleaner(store, time.Hour, 500, nil, nil)
	_ = writeEntry(t, store, "http://cdn.example.com/a.mp4", 400, 2*time.Hour)
	_ = writeEntry(t, store, "http://cdn.example.com/b.mp4", 400, time.Hour)

	cleaner.Trigger()
	r.Eventually(func() bool {
		return !store.IsCached("http://cdn.example.com/a.mp4")
	}, 2*time.Second, 10*time.Millisecond)

	r.NoError(cleaner.Shutdown(context.Background()))
	r.NoError(cleaner.Shutdown(context.Background()))
}

func TestCleanerSkipsFileReopenedBeforeRemoval(t *testing.T) {
	r := require.New(t)
	store := newTestStore(t)

	name := writeEntry(t, store, "http://cdn.example.com/old.mp4", 400, 3*time.Hour)
	_ = writeEntry(t, store, "http://cdn.example.com/new.mp4", 400, time.Hour)

	occupancy := &reopenedBeforeRemove{}
	cleaner := NewCleaner(store, time.Hour, 500, occupancy, nil)
	defer func() { r.NoError(cleaner.Shutdown(context.Background())) }()

	r.Eventually(func() bool {
		return len(occupancy.names()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	r.Equal(name, occupancy.names()[0])
	r.True(store.IsCached("http://cdn.example.com/old.mp4"), "file claimed by an engine must survive cleanup")
	r.True(store.IsCached("http://cdn.example.com/new.mp4"))
}
