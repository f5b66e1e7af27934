// Package httpcache encodes complete HTTP responses as opaque cache values.
package httpcache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
)

const PREFIX = "---HTTP-RESPONSE---\n"

// Serialize encodes status line, headers and the whole body of resp.
// The body is consumed; resp.Body is replaced with an in-memory copy.
func Serialize(resp *http.Response) ([]byte, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
	}

	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	// Store a plain, length-delimited body regardless of how it arrived
	resp.TransferEncoding = nil
	resp.Header.Del("Transfer-Encoding")
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Body = io.NopCloser(bytes.NewReader(body))

	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, err
	}

	return append([]byte(PREFIX), b...), nil
}

// Deserialize decodes a value produced by Serialize. Each call returns an
// independent response so concurrent readers can consume their own body.
func Deserialize(b []byte) (*http.Response, error) {
	if len(b) < len(PREFIX) || string(b[:len(PREFIX)]) != PREFIX {
		return nil, fmt.Errorf("invalid prefix: expected '%s'", PREFIX)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(PREFIX):])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}

	return resp, nil
}
