package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

// mediaExtensions are never downloaded, whatever the Content-Type claims
var mediaExtensions = map[string]struct{}{
	// Images
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".webp": {}, ".svg": {}, ".ico": {}, ".tif": {}, ".tiff": {}, ".avif": {},
	// Audio
	".mp3": {}, ".wav": {}, ".ogg": {}, ".flac": {}, ".aac": {}, ".m4a": {}, ".wma": {},
	// Video
	".mp4": {}, ".m4v": {}, ".avi": {}, ".mov": {}, ".mkv": {}, ".webm": {}, ".wmv": {}, ".flv": {}, ".mpg": {}, ".mpeg": {},
	// Archives and binaries
	".zip": {}, ".tar": {}, ".gz": {}, ".tgz": {}, ".bz2": {}, ".xz": {}, ".7z": {}, ".rar": {}, ".iso": {}, ".dmg": {}, ".exe": {},
}

// IsMediaPath reports whether the URL path ends in a known non-text extension
func IsMediaPath(u *url.URL) bool {
	if u == nil {
		return false
	}
	_, ok := mediaExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}

// shouldDownload decides whether a response body is worth reading
func shouldDownload(resp *http.Response, u *url.URL, isExternal bool) bool {
	if isExternal {
		return false
	}
	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if !strings.HasPrefix(contentType, "text/") {
		return false
	}
	return !IsMediaPath(u)
}

// readBody reads at most maxBytes from r. The bool reports truncation.
func readBody(r io.Reader, maxBytes int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], true, nil
	}
	return data, false, nil
}

// decodeBody inflates data according to the Content-Encoding header value.
// Unknown encodings are returned unchanged. Decoded output is capped at maxBytes.
func decodeBody(data []byte, contentEncoding string, maxBytes int64) ([]byte, error) {
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %w", utils.ErrBodyDecode, err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		// RFC 9110 deflate is zlib-wrapped; some servers send raw DEFLATE
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err == nil {
			defer zr.Close()
			reader = zr
		} else {
			fl := flate.NewReader(bytes.NewReader(data))
			defer fl.Close()
			reader = fl
		}
	case "br":
		reader = brotli.NewReader(bytes.NewReader(data))
	default:
		return data, nil
	}

	decoded, err := io.ReadAll(io.LimitReader(reader, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrBodyDecode, contentEncoding, err)
	}
	return decoded, nil
}
