package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/logging"
	"github.com/any-hub/vcache/internal/metrics"
)

// Occupancy 报告缓存文件是否被引擎占用。
type Occupancy interface {
	InUse(name string) bool
	// IfIdle 在 name 未被占用时执行 fn 并返回 true。占用检查与 fn 处于同一临界区，
	// 期间不会有引擎打开该文件。
	IfIdle(name string, fn func() error) (bool, error)
}

type noOccupancy struct{}

func (noOccupancy) InUse(string) bool { return false }

func (noOccupancy) IfIdle(_ string, fn func() error) (bool, error) {
	return true, fn()
}

// Cleaner 按最近使用时间淘汰缓存文件，控制目录总大小不超过上限。
type Cleaner struct {
	store            *Store
	cleanupInterval  time.Duration
	maxTotalFileSize int64
	occupancy        Occupancy
	logger           logrus.FieldLogger

	triggerCh              chan struct{}
	stopCh                 chan struct{}
	stopOnce               sync.Once
	cleanupProcessFinished chan struct{}
}

// NewCleaner 创建并启动后台清理协程，启动时立即执行一次。
func NewCleaner(store *Store, cleanupInterval time.Duration, maxTotalFileSize int64, occupancy Occupancy, logger logrus.FieldLogger) *Cleaner {
	if occupancy == nil {
		occupancy = noOccupancy{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	c := &Cleaner{
		store:            store,
		cleanupInterval:  cleanupInterval,
		maxTotalFileSize: maxTotalFileSize,
		occupancy:        occupancy,
		logger:           logger,

		triggerCh:              make(chan struct{}, 1),
		stopCh:                 make(chan struct{}),
		cleanupProcessFinished: make(chan struct{}),
	}

	go c.startCleanupProcess()

	return c
}

// Trigger 请求尽快执行一次清理，重复请求会被合并。
func (c *Cleaner) Trigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

func (c *Cleaner) startCleanupProcess() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		c.cleanup()

		select {
		case <-ticker.C:
		case <-c.triggerCh:
		case <-c.stopCh:
			close(c.cleanupProcessFinished)
			return
		}
	}
}

func (c *Cleaner) cleanup() {
	entries, err := c.store.Entries()
	if err != nil {
		logf := c.logger.Errorf
		if errors.Is(err, fs.ErrNotExist) {
			logf = c.logger.Warnf
		}
		logf("couldn't load files to clean: %s", err)
		return
	}

	toRemove, total := c.getFilesToRemove(entries)
	if len(toRemove) == 0 {
		metrics.CacheSizeBytes.Set(float64(total))
		return
	}

	removedFiles, cleanedSpace, errs := c.removeFiles(toRemove)
	for _, err := range errs {
		metrics.CacheErrors.Inc()
		c.logger.WithField("action", "cache_cleanup").Error(err)
	}
	metrics.CacheEvictions.Add(float64(removedFiles))
	metrics.CacheSizeBytes.Set(float64(total - cleanedSpace))
	if removedFiles > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":  "cache_cleanup",
			"removed": removedFiles,
			"errors":  len(errs),
		}).Infof("%d files have been removed from cache for a total of %s freed", removedFiles, units.BytesSize(float64(cleanedSpace)))
	}
}

// getFilesToRemove 返回需要删除的文件与当前总大小；被占用的文件永不删除。
func (c *Cleaner) getFilesToRemove(entries []Entry) ([]Entry, int64) {
	var (
		total      int64
		candidates []Entry
	)
	for _, e := range entries {
		total += e.SizeBytes
		if !c.occupancy.InUse(e.Name) {
			candidates = append(candidates, e)
		}
	}
	if total <= c.maxTotalFileSize {
		return nil, total
	}

	// 最久未使用的优先淘汰。
	slices.SortFunc(candidates, func(a, b Entry) int {
		return a.ModTime.Compare(b.ModTime)
	})

	remaining := total
	var index int
	for index < len(candidates) && remaining > c.maxTotalFileSize {
		remaining -= candidates[index].SizeBytes
		index++
	}
	return candidates[:index], total
}

func (c *Cleaner) removeFiles(entries []Entry) (removedFiles int, cleanedSpace int64, errs []error) {
	for _, e := range entries {
		// 列目录之后可能已有引擎重新打开该文件，删除前在占用方的临界区内复查。
		removed, err := c.occupancy.IfIdle(e.Name, func() error {
			return c.store.RemoveFile(e)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("couldn't remove file %q from cache: %w", e.FilePath, err))
			continue
		}
		if !removed {
			continue
		}
		removedFiles++
		cleanedSpace += e.SizeBytes
	}
	return removedFiles, cleanedSpace, errs
}

// Shutdown 停止后台清理，可重复调用。
func (c *Cleaner) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cleanupProcessFinished:
		return nil
	}
}
