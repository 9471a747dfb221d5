package fetcher

import (
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 16 << 20

// NewHTTPClient returns a client using the source timeout.
func NewHTTPClient(src source.Source) *http.Client {
	return &http.Client{Timeout: src.Timeout()}
}

// ApplyHeaders copies the configured source headers onto req.
func ApplyHeaders(req *http.Request, src source.Source) {
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}
}

// ReadJSONBody validates status code and content type before returning the
// body. A non-nil *Result reports an upstream problem; error is only returned
// when reading the body fails at the transport level.
func ReadJSONBody(res *http.Response) ([]byte, *Result, error) {
	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return nil, Failure("upstream returned HTTP %d", res.StatusCode), nil
	}

	ct := res.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || (mediaType != "application/json" && mediaType != "text/json") {
		return nil, Failure("unexpected content type %q", ct), nil
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	if len(body) == 0 {
		return nil, Failure("empty payload"), nil
	}
	return body, nil, nil
}
