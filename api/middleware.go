package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// maxBodySize caps request bodies after decompression.
const maxBodySize = 1 << 20

// RequestBodyMiddleware bounds every request body to limit bytes and
// decodes gzip. A declared Content-Length over the limit is refused before
// reading; bodies that only turn out too large while being read fail in
// decodeBody. Encodings other than gzip and identity get a 415.
func RequestBodyMiddleware(limit int64) echo.MiddlewareFunc {
	if limit <= 0 {
		limit = maxBodySize
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.ContentLength > limit {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
			}

			gzipped, ok := parseEncoding(req.Header.Get(echo.HeaderContentEncoding))
			if !ok {
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding")
			}
			if !gzipped {
				req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = http.MaxBytesReader(c.Response(), &gzipReadCloser{Reader: gr, body: body}, limit)
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// parseEncoding reports whether the body is gzip-encoded, and false for ok
// when any listed coding is one the server cannot undo.
func parseEncoding(header string) (gzipped, ok bool) {
	for _, enc := range strings.Split(header, ",") {
		switch strings.ToLower(strings.TrimSpace(enc)) {
		case "", "identity":
		case "gzip", "x-gzip":
			gzipped = true
		default:
			return false, false
		}
	}
	return gzipped, true
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
