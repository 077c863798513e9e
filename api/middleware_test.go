package api

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func echoBody(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, string(body))
}

func TestRequestBodyMiddleware(t *testing.T) {
	e := echo.New()
	e.Use(RequestBodyMiddleware(0))
	e.POST("/", echoBody)

	tests := map[string]struct {
		encoding   string
		body       []byte
		wantStatus int
		wantBody   string
	}{
		"plain":       {"", []byte(`{"name":"x"}`), http.StatusOK, `{"name":"x"}`},
		"gzip":        {"gzip", gzipped(t, `{"name":"x"}`), http.StatusOK, `{"name":"x"}`},
		"listed":      {"identity, GZIP", gzipped(t, `{"a":1}`), http.StatusOK, `{"a":1}`},
		"identity":    {"identity", []byte(`{"a":1}`), http.StatusOK, `{"a":1}`},
		"bad payload": {"gzip", []byte("not gzip"), http.StatusBadRequest, ""},
		"brotli":      {"br", []byte(`{"a":1}`), http.StatusUnsupportedMediaType, ""},
		"gzip then br": {"gzip, br", gzipped(t, `{"a":1}`), http.StatusUnsupportedMediaType, ""},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(tc.body))
			if tc.encoding != "" {
				req.Header.Set(echo.HeaderContentEncoding, tc.encoding)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d", rec.Code)
			}
			if tc.wantBody != "" && rec.Body.String() != tc.wantBody {
				t.Fatalf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestRequestBodyMiddlewareCapsBody(t *testing.T) {
	e := echo.New()
	e.Use(RequestBodyMiddleware(64))
	e.POST("/", echoBody)

	tests := map[string]struct {
		encoding string
		body     []byte
		chunked  bool
	}{
		"declared length": {"", []byte(strings.Repeat("a", 65)), false},
		"plain chunked":   {"", []byte(strings.Repeat("a", 65)), true},
		"gzip bomb":       {"gzip", gzipped(t, strings.Repeat("a", 4096)), false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(tc.body))
			if tc.chunked {
				req.ContentLength = -1
			}
			if tc.encoding != "" {
				req.Header.Set(echo.HeaderContentEncoding, tc.encoding)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code == http.StatusOK {
				t.Fatalf("oversized body accepted: %q", rec.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(strings.Repeat("a", 64))))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("body at the limit rejected: %d", rec.Code)
	}
}

func TestOversizedJSONBodyIs413(t *testing.T) {
	s := newTestServer(t, nil)
	payload := `{"name":"` + strings.Repeat("a", maxBodySize) + `"}`

	req := httptest.NewRequest(http.MethodPost, "/api/boards", bytes.NewReader(gzipped(t, payload)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if s.fake.Calls("") != 0 {
		t.Fatal("oversized body reached the planner service")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/boards", strings.NewReader(payload))
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+s.token)
	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("declared length: status = %d", rec.Code)
	}
}
