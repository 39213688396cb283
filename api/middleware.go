package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware accepts request bodies sent with
// Content-Encoding: gzip and hands handlers the inflated stream.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !gzipEncoded(c.Request()) {
				return next(c)
			}
			if err := inflateRequest(c.Request()); err != nil {
				return respondError(c, "decode", errInvalidBody)
			}
			return next(c)
		}
	}
}

// gzipEncoded reports whether gzip is among the request's content codings.
func gzipEncoded(req *http.Request) bool {
	codings := strings.Split(req.Header.Get(echo.HeaderContentEncoding), ",")
	return slices.ContainsFunc(codings, func(c string) bool {
		return strings.EqualFold(strings.TrimSpace(c), "gzip")
	})
}

// inflateRequest swaps req.Body for its decompressed form. The length of the
// inflated body is unknown, so the length headers are dropped.
func inflateRequest(req *http.Request) error {
	zr, err := gzip.NewReader(req.Body)
	if err != nil {
		_ = req.Body.Close()
		return err
	}
	req.Body = inflatedBody{zr: zr, raw: req.Body}
	req.ContentLength = -1
	req.Header.Del(echo.HeaderContentEncoding)
	req.Header.Del(echo.HeaderContentLength)
	return nil
}

type inflatedBody struct {
	zr  *gzip.Reader
	raw io.ReadCloser
}

func (b inflatedBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b inflatedBody) Close() error {
	return errors.Join(b.zr.Close(), b.raw.Close())
}
