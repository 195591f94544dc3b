package replicator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSink appends rows to a remote ledger endpoint as JSON POSTs.
// Payloads are signed with HMAC-SHA256 when a secret is configured so the
// receiver can verify origin.
type HTTPSink struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPSink creates a sink posting to url. timeout bounds each request.
func NewHTTPSink(url, secret string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

// Append posts one row. Any non-2xx response is an error.
func (s *HTTPSink) Append(ctx context.Context, row Row) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-POSInsight-Timestamp", fmt.Sprintf("%d", row.CreatedAt.Unix()))
	if s.secret != "" {
		req.Header.Set("X-POSInsight-Signature", s.sign(payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post row: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote ledger returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) sign(payload []byte) string {
	h := hmac.New(sha256.New, []byte(s.secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
