package agent

import (
	"errors"
	"fmt"
	"strings"
)

// MaxExcerptLen bounds the response body kept on an UpstreamError.
const MaxExcerptLen = 300

// ErrMissingAPIKey is returned by Ready when no API key was configured.
var ErrMissingAPIKey = errors.New("TINYFISH_API_KEY is not configured")

// UpstreamError is a non-2xx reply from the extraction agent.
type UpstreamError struct {
	StatusCode int
	Excerpt    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("TinyFish API error [%d]: %s", e.StatusCode, e.Excerpt)
}

func newUpstreamError(status int, body []byte) *UpstreamError {
	if len(body) > MaxExcerptLen {
		body = body[:MaxExcerptLen]
	}
	return &UpstreamError{StatusCode: status, Excerpt: strings.ToValidUTF8(string(body), "")}
}
