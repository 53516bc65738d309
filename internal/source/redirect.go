package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
)

// connState 描述一次建连过程所处的阶段。
type connState int

const (
	stateRequesting connState = iota
	stateRedirected
	stateConnected
	stateFailed
)

func (s connState) String() string {
	switch s {
	case stateRequesting:
		return "requesting"
	case stateRedirected:
		return "redirected"
	case stateConnected:
		return "connected"
	default:
		return "failed"
	}
}

// connection 记录手动跟随重定向的状态机。
type connection struct {
	state     connState
	target    *url.URL
	redirects int
	max       int
	resp      *http.Response
	err       error
}

func (c *connection) fail(err error) {
	c.err = err
	c.state = stateFailed
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// connect 发起请求并手动跟随重定向，超过 maxRedirects 次时失败。
func (s *HTTPSource) connect(ctx context.Context, method string, offset int64) (*http.Response, error) {
	origin := s.Descriptor().URL
	target, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url %q: %v", ErrProtocolViolation, origin, err)
	}

	conn := connection{state: stateRequesting, target: target, max: s.maxRedirects}
	for {
		switch conn.state {
		case stateRequesting:
			resp, err := s.do(ctx, method, conn.target, offset)
			if err != nil {
				conn.fail(classify(ctx, conn.target.Redacted(), err))
				continue
			}
			conn.resp = resp
			if isRedirect(resp.StatusCode) {
				conn.state = stateRedirected
			} else {
				conn.state = stateConnected
			}
		case stateRedirected:
			next, err := conn.resp.Location()
			drainAndClose(conn.resp.Body)
			conn.resp = nil
			if err != nil {
				conn.fail(fmt.Errorf("%w: redirect from %s without valid Location: %v", ErrProtocolViolation, conn.target.Redacted(), err))
				continue
			}
			conn.redirects++
			if conn.redirects > conn.max {
				conn.fail(fmt.Errorf("%w: more than %d redirects for %s", ErrTooManyRedirects, conn.max, origin))
				continue
			}
			s.logger.WithFields(logrus.Fields{
				"action":    "redirect",
				"from":      conn.target.Redacted(),
				"to":        next.Redacted(),
				"redirects": conn.redirects,
			}).Debug("follow redirect")
			conn.target = next
			conn.state = stateRequesting
		case stateConnected:
			return conn.resp, nil
		case stateFailed:
			return nil, conn.err
		}
	}
}

func (s *HTTPSource) do(ctx context.Context, method string, target *url.URL, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, err
	}
	if s.injector != nil {
		for key, values := range s.injector.Headers(target.String()) {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
	}
	if s.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	// 禁止透明解压，缓存中保存的必须是源站原始字节。
	req.Header.Set("Accept-Encoding", "identity")
	if offset > 0 && method == http.MethodGet {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return s.client.Do(req)
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
	_ = body.Close()
}
