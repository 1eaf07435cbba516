// Package httputil bounds the HTTP bodies tiergate reads from backends and
// clients.
package httputil

import (
	"errors"
	"io"
)

const (
	// DefaultMaxResponseBodyBytes caps backend response bodies at 4MB.
	DefaultMaxResponseBodyBytes int64 = 4 * 1024 * 1024
	// DefaultMaxRequestBodyBytes caps client request bodies at 1MB.
	DefaultMaxRequestBodyBytes int64 = 1024 * 1024
)

var ErrBodyTooLarge = errors.New("body too large")

// ReadLimitedBody reads at most maxBytes from reader. It returns the
// truncated body and ErrBodyTooLarge when reader holds more.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:maxBytes], ErrBodyTooLarge
	}
	return body, nil
}
