package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/pkg/model"
)

// httpSender is the shared HTTP transport: serialize once, POST to every
// endpoint concurrently, retry each endpoint on transient failures.
type httpSender struct {
	kind        config.BackendKind
	endpoints   []string
	path        string
	contentType string
	compress    bool
	encode      func(*model.Batch) ([]byte, error)
	client      *http.Client
	log         *logger.Handler
}

func (s *httpSender) Kind() config.BackendKind { return s.kind }

func (s *httpSender) Send(ctx context.Context, batch *model.Batch) error {
	body, err := s.encode(batch)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", s.kind, err)
	}
	if s.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("compress %s payload: %w", s.kind, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress %s payload: %w", s.kind, err)
		}
		body = buf.Bytes()
	}

	return anyEndpoint(s.endpoints, func(endpoint string) error {
		return s.post(ctx, endpoint+s.path, body)
	})
}

// post issues one POST with the shared retry schedule. Connection errors
// and 5xx/429 are retried; other 4xx responses poison the payload and are
// permanent.
func (s *httpSender) post(ctx context.Context, url string, body []byte) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", s.contentType)
		if s.compress {
			req.Header.Set("Content-Encoding", "gzip")
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("%s returned status %d", url, resp.StatusCode))
		}
	}
	return backoff.Retry(op, retryPolicy(ctx))
}
