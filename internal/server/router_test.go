package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterDecodesOriginFromPath(t *testing.T) {
	app := newTestApp(t, 5000)

	origin := "https://media.example.com/videos/clip.mp4?token=a b&x=1"
	req := httptest.NewRequest("GET", "/"+url.QueryEscape(origin), nil)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.recorder.origin != origin {
		t.Fatalf("expected origin %q, got %q", origin, app.recorder.origin)
	}
	if app.recorder.port != 5000 {
		t.Fatalf("expected listen port 5000, got %d", app.recorder.port)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if app.recorder.requestID != resp.Header.Get("X-Request-ID") {
		t.Fatalf("request id in context should match header")
	}
}

func TestRouterRejectsInvalidOrigin(t *testing.T) {
	app := newTestApp(t, 5000)

	for _, path := range []string{"/", "/not-a-url", "/" + url.QueryEscape("ftp://example.com/a"), "/%zz"} {
		req := httptest.NewRequest("GET", "/", nil)
		// Opaque 让请求行原样发送，保留非法转义。
		req.URL.Opaque = path

		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed for %s: %v", path, err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", path, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !bytes.Contains(body, []byte(`"origin_invalid"`)) {
			t.Fatalf("expected origin_invalid error for %s, got %s", path, string(body))
		}
	}
	if app.recorder.calls != 0 {
		t.Fatalf("proxy handler should not be called for invalid origins")
	}
}

func TestRouterSkipsDiagnosticsPaths(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 for diagnostics, got %d", resp.StatusCode)
	}
	if app.recorder.calls != 0 {
		t.Fatalf("diagnostics path should not reach proxy handler")
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	if _, err := NewApp(AppOptions{Proxy: &proxyRecorder{}, ListenPort: 1}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 1}); err == nil {
		t.Fatalf("missing proxy should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Proxy: &proxyRecorder{}}); err == nil {
		t.Fatalf("missing port should fail")
	}
}

type testApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type proxyRecorder struct {
	calls     int
	origin    string
	port      int
	requestID string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *Route) error {
	p.calls++
	p.origin = route.Origin
	p.port = route.ListenPort
	p.requestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
