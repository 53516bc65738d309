package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/any-hub/vcache/internal/source"
)

// fakeOrigin 模拟源站：可在指定偏移处挂起、一次性失败或声明错误的长度。
type fakeOrigin struct {
	url  string
	data []byte
	mime string

	mu       sync.Mutex
	declared int64
	gate     chan struct{}
	gateAt   int64
	failAt   int64
	failOnce bool
	openErrs int
	opens    []int64
	heads    int
}

func newFakeOrigin(data []byte) *fakeOrigin {
	return &fakeOrigin{
		url:      "http://origin.test/clip.mp4",
		data:     data,
		mime:     "video/mp4",
		declared: int64(len(data)),
	}
}

func (o *fakeOrigin) factory() source.Factory {
	return func() source.Source { return &fakeSource{origin: o} }
}

func (o *fakeOrigin) openOffsets() []int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int64(nil), o.opens...)
}

func (o *fakeOrigin) headCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.heads
}

func (o *fakeOrigin) descriptor() source.Descriptor {
	return source.Descriptor{URL: o.url, Length: o.declared, Mime: o.mime}
}

type fakeSource struct {
	origin *fakeOrigin
	ctx    context.Context
	pos    int64
	open   bool
}

func (s *fakeSource) Open(ctx context.Context, offset int64) (source.Descriptor, error) {
	o := s.origin
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens = append(o.opens, offset)
	if o.openErrs > 0 {
		o.openErrs--
		return source.Descriptor{}, fmt.Errorf("%w: connection refused", source.ErrNetworkFailure)
	}
	s.ctx, s.pos, s.open = ctx, offset, true
	return o.descriptor(), nil
}

func (s *fakeSource) FetchMetadata(context.Context) (source.Descriptor, error) {
	o := s.origin
	o.mu.Lock()
	defer o.mu.Unlock()
	o.heads++
	return o.descriptor(), nil
}

func (s *fakeSource) Read(p []byte) (int, error) {
	if !s.open {
		return 0, source.ErrNotOpen
	}
	o := s.origin
	o.mu.Lock()
	gate, gateAt := o.gate, o.gateAt
	o.mu.Unlock()

	if gate != nil && s.pos >= gateAt {
		select {
		case <-gate:
		case <-s.ctx.Done():
			return 0, source.ErrInterrupted
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failOnce && s.pos >= o.failAt {
		o.failOnce = false
		return 0, fmt.Errorf("%w: connection reset", source.ErrNetworkFailure)
	}
	if s.pos >= int64(len(o.data)) {
		return 0, io.EOF
	}
	end := int64(len(o.data))
	if gate != nil && s.pos < gateAt && gateAt < end {
		end = gateAt
	}
	if o.failOnce && s.pos < o.failAt && o.failAt < end {
		end = o.failAt
	}
	n := copy(p, o.data[s.pos:end])
	s.pos += int64(n)
	return n, nil
}

func (s *fakeSource) Close() error {
	s.open = false
	return nil
}

func (s *fakeSource) Descriptor() source.Descriptor {
	return source.Descriptor{URL: s.origin.url, Length: source.UnknownLength}
}
