package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/source"
)

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func newEngine(t *testing.T, origin *fakeOrigin, opts Options) *ProxyCache {
	t.Helper()
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Millisecond
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 64
	}
	e := New(origin.url, origin.factory(), cache.NewMemoryCache(), opts)
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

type readResult struct {
	n   int
	err error
	buf []byte
}

func readAsync(e *ProxyCache, ctx context.Context, size int, off int64) <-chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		buf := make([]byte, size)
		n, err := e.ReadAt(ctx, buf, off)
		ch <- readResult{n: n, err: err, buf: buf[:n]}
	}()
	return ch
}

func waitAvailable(t *testing.T, e *ProxyCache, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Snapshot().Available == want
	}, 2*time.Second, time.Millisecond)
}

func TestRoundTrip(t *testing.T) {
	data := payload(1000)
	origin := newFakeOrigin(data)
	e := newEngine(t, origin, Options{})

	buf := make([]byte, len(data))
	n, err := e.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)

	require.Eventually(t, func() bool { return e.State() == StateCompleted }, time.Second, time.Millisecond)
	_, err = e.ReadAt(context.Background(), make([]byte, 1), int64(len(data)))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []int64{0}, origin.openOffsets())
}

func TestCompletedFlagOnlyAtEOF(t *testing.T) {
	data := payload(500)
	origin := newFakeOrigin(data)
	origin.gate, origin.gateAt = make(chan struct{}), 500
	c := cache.NewMemoryCache()
	e := New(origin.url, origin.factory(), c, Options{ChunkSize: 100})
	defer e.Shutdown()

	result := readAsync(e, context.Background(), 500, 0)
	require.NoError(t, (<-result).err)
	require.False(t, c.IsCompleted(), "所有字节已到达但尚未读到 EOF 时不应完成")

	close(origin.gate)
	require.Eventually(t, c.IsCompleted, time.Second, time.Millisecond)
}

func TestConcurrentReadersShareOneFetch(t *testing.T) {
	data := payload(2048)
	origin := newFakeOrigin(data)
	origin.gate, origin.gateAt = make(chan struct{}), 0
	e := newEngine(t, origin, Options{})

	first := readAsync(e, context.Background(), len(data), 0)
	second := readAsync(e, context.Background(), len(data), 0)
	require.Eventually(t, func() bool { return len(origin.openOffsets()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(origin.gate)

	for _, ch := range []<-chan readResult{first, second} {
		res := <-ch
		require.NoError(t, res.err)
		require.Equal(t, data, res.buf)
	}
	require.Len(t, origin.openOffsets(), 1, "同一资源只应发起一次抓取")
}

func TestBlockedReaderReceivesWholeRange(t *testing.T) {
	data := payload(1000)
	origin := newFakeOrigin(data)
	origin.gate, origin.gateAt = make(chan struct{}), 400
	e := newEngine(t, origin, Options{})

	pending := readAsync(e, context.Background(), 1000, 0)
	waitAvailable(t, e, 400)

	select {
	case res := <-pending:
		t.Fatalf("读取应继续阻塞，却返回了 %d 字节: %v", res.n, res.err)
	case <-time.After(30 * time.Millisecond):
	}

	// 已存储的区间不阻塞。
	head := make([]byte, 100)
	n, err := e.ReadAt(context.Background(), head, 250)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, data[250:350], head)

	close(origin.gate)
	res := <-pending
	require.NoError(t, res.err)
	require.Equal(t, 1000, res.n)
	require.Equal(t, data, res.buf)
}

func TestReadAvailableReturnsPartialData(t *testing.T) {
	data := payload(1000)
	origin := newFakeOrigin(data)
	origin.gate, origin.gateAt = make(chan struct{}), 400
	e := newEngine(t, origin, Options{})
	defer close(origin.gate)

	buf := make([]byte, 1000)
	n, err := e.ReadAvailable(context.Background(), buf, 0)
	require.NoError(t, err)
	require.Greater(t, n, 0)
	require.LessOrEqual(t, n, 400)
	require.Equal(t, data[:n], buf[:n])
}

func TestFailurePropagatesAndNextReadResumes(t *testing.T) {
	data := payload(1000)
	origin := newFakeOrigin(data)
	origin.failAt, origin.failOnce = 400, true
	e := newEngine(t, origin, Options{MaxRetries: 3})

	_, err := e.ReadAt(context.Background(), make([]byte, 1000), 0)
	require.ErrorIs(t, err, source.ErrNetworkFailure, "等待中的读者应收到网络错误而不是短读")
	require.Equal(t, StateFailed, e.State())

	buf := make([]byte, 1000)
	n, err := e.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	require.Equal(t, 1000, n)
	require.Equal(t, data, buf)
	require.Equal(t, []int64{0, 400}, origin.openOffsets(), "重试应从已缓存位置续传")
}

func TestRetryPolicyIsBounded(t *testing.T) {
	origin := newFakeOrigin(payload(100))
	origin.openErrs = 100
	e := newEngine(t, origin, Options{MaxRetries: 2})

	for i := 0; i < 5; i++ {
		_, err := e.ReadAt(context.Background(), make([]byte, 10), 0)
		require.ErrorIs(t, err, source.ErrNetworkFailure)
	}
	require.Len(t, origin.openOffsets(), 3, "首次抓取加两次重试后不再访问网络")
	require.Equal(t, StateFailed, e.State())
	require.NotEmpty(t, e.Snapshot().Error)
}

func TestPrematureEOFIsFailure(t *testing.T) {
	origin := newFakeOrigin(payload(600))
	origin.declared = 1000
	e := newEngine(t, origin, Options{})

	_, err := e.ReadAt(context.Background(), make([]byte, 1000), 0)
	require.ErrorIs(t, err, source.ErrNetworkFailure)
}

func TestUnknownLengthCompletesAtEOF(t *testing.T) {
	data := payload(300)
	origin := newFakeOrigin(data)
	origin.declared = source.UnknownLength
	e := newEngine(t, origin, Options{})

	buf := make([]byte, 1000)
	n, err := e.ReadAt(context.Background(), buf, 0)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 300, n)
	require.Equal(t, data, buf[:n])

	length, err := e.Length(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(300), length)
}

func TestShutdownWakesReaders(t *testing.T) {
	origin := newFakeOrigin(payload(100))
	origin.gate, origin.gateAt = make(chan struct{}), 0
	e := newEngine(t, origin, Options{})

	pending := readAsync(e, context.Background(), 100, 0)
	require.Eventually(t, func() bool { return len(origin.openOffsets()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, e.Shutdown())
	res := <-pending
	require.ErrorIs(t, res.err, source.ErrInterrupted)
	require.NoError(t, e.Shutdown())

	_, err := e.ReadAt(context.Background(), make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestReaderCancelDoesNotStopSharedFetch(t *testing.T) {
	data := payload(256)
	origin := newFakeOrigin(data)
	origin.gate, origin.gateAt = make(chan struct{}), 0
	e := newEngine(t, origin, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	leaving := readAsync(e, ctx, 256, 0)
	staying := readAsync(e, context.Background(), 256, 0)
	require.Eventually(t, func() bool { return len(origin.openOffsets()) == 1 }, time.Second, time.Millisecond)

	cancel()
	res := <-leaving
	require.ErrorIs(t, res.err, source.ErrInterrupted)

	close(origin.gate)
	res = <-staying
	require.NoError(t, res.err)
	require.Equal(t, data, res.buf)
	require.Len(t, origin.openOffsets(), 1)
}

func TestInfoProbesMetadataWithoutFetching(t *testing.T) {
	origin := newFakeOrigin(payload(4096))
	e := newEngine(t, origin, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			length, err := e.Length(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, int64(4096), length)
		}()
	}
	wg.Wait()

	info := e.Descriptor()
	require.Equal(t, "video/mp4", info.Mime)
	require.Empty(t, origin.openOffsets(), "探测长度不应启动下载")
	require.GreaterOrEqual(t, origin.headCount(), 1)
	require.Equal(t, StateIdle, e.State())

	// 长度已知后不再探测。
	heads := origin.headCount()
	_, err := e.Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, heads, origin.headCount())
}

func TestCompletedCacheServesWithoutNetwork(t *testing.T) {
	data := payload(128)
	origin := newFakeOrigin(data)
	e := New(origin.url, origin.factory(), cache.NewCompletedMemoryCache(data), Options{})
	defer e.Shutdown()

	require.Equal(t, StateCompleted, e.State())
	length, err := e.Length(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(128), length)

	buf := make([]byte, 200)
	n, err := e.ReadAt(context.Background(), buf, 0)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, data, buf[:n])
	require.Empty(t, origin.openOffsets())
	require.Zero(t, origin.headCount())
}

func TestStreamAndRelease(t *testing.T) {
	data := payload(777)
	origin := newFakeOrigin(data)
	e := newEngine(t, origin, Options{})

	released := 0
	r := e.Stream(context.Background(), 100, func() { released++ })
	require.Equal(t, 1, e.Snapshot().Readers)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data[100:], got)
	require.Equal(t, int64(777), r.Offset())

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	require.Equal(t, 1, released)
	require.Zero(t, e.Snapshot().Readers)
}

func TestProgressAndCompletionHooks(t *testing.T) {
	data := payload(1000)
	origin := newFakeOrigin(data)

	var (
		mu        sync.Mutex
		percents  []int
		completed int
	)
	e := newEngine(t, origin, Options{
		ChunkSize: 250,
		OnProgress: func(url string, percent int) {
			mu.Lock()
			percents = append(percents, percent)
			mu.Unlock()
		},
		OnComplete: func(url string) {
			mu.Lock()
			completed++
			mu.Unlock()
		},
	})

	_, err := e.ReadAt(context.Background(), make([]byte, 1000), 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completed == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{25, 50, 75, 100}, percents)
}

func TestKind(t *testing.T) {
	testCases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrShutdown, "interrupted"},
		{source.ErrUnknownHost, "unknown_host"},
		{source.ErrNetworkFailure, "network"},
		{source.ErrTooManyRedirects, "too_many_redirects"},
		{source.ErrProtocolViolation, "protocol"},
		{wrapCacheErr(errors.New("disk full")), "cache_io"},
		{errors.New("boom"), "other"},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, Kind(tc.err))
	}
}

// shortWriteCache 让第一次 Append 只落盘一半后报错，模拟磁盘写满等部分写入。
type shortWriteCache struct {
	cache.Cache
	mu      sync.Mutex
	tripped bool
}

func (c *shortWriteCache) Append(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tripped && len(p) > 1 {
		c.tripped = true
		if err := c.Cache.Append(p[:len(p)/2]); err != nil {
			return err
		}
		return fmt.Errorf("%w: short write", cache.ErrCacheIO)
	}
	return c.Cache.Append(p)
}

func TestPartialAppendResyncsAvailable(t *testing.T) {
	cases := []struct {
		name     string
		declared int64
	}{
		{name: "known length", declared: 1000},
		{name: "unknown length", declared: source.UnknownLength},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := payload(1000)
			origin := newFakeOrigin(data)
			origin.declared = tc.declared
			backing := &shortWriteCache{Cache: cache.NewMemoryCache()}
			e := New(origin.url, origin.factory(), backing, Options{
				ChunkSize:      64,
				MaxRetries:     2,
				InitialBackoff: time.Millisecond,
			})
			t.Cleanup(func() { _ = e.Shutdown() })

			_, err := e.ReadAt(context.Background(), make([]byte, 1000), 0)
			require.ErrorIs(t, err, cache.ErrCacheIO)
			require.Equal(t, int64(32), e.Snapshot().Available, "部分写入的字节应计入 available")

			buf := make([]byte, 1000)
			n, err := e.ReadAt(context.Background(), buf, 0)
			require.NoError(t, err)
			require.Equal(t, 1000, n)
			require.Equal(t, data, buf)
			require.Equal(t, []int64{0, 32}, origin.openOffsets(), "重试应从缓存实际长度续传")

			length, err := e.Length(context.Background())
			require.NoError(t, err)
			require.Equal(t, int64(1000), length)
			waitAvailable(t, e, 1000)
		})
	}
}
