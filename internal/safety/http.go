package safety

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrBodyTooLarge indicates a body exceeded the configured read limit.
var ErrBodyTooLarge = errors.New("body too large")

// MaxRequestBody bounds JSON command bodies accepted by the web UI.
const MaxRequestBody = 64 * 1024

// ReadAllWithLimit reads from r and fails if content exceeds limit bytes.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// ReadRequestBody reads a request body bounded by MaxRequestBody.
func ReadRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return ReadAllWithLimit(r.Body, MaxRequestBody)
}
