package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// probeClient wraps the retry policy shared by the HTTP provider adapters:
// transport errors and 5xx responses are retried with a linear backoff, all
// inside the probe deadline.
type probeClient struct {
	http     *http.Client
	attempts int
	backoff  time.Duration
}

func newProbeClient(attempts int, backoff time.Duration) *probeClient {
	if attempts < 1 {
		attempts = 1
	}
	if backoff < 0 {
		backoff = 0
	}
	return &probeClient{
		http:     &http.Client{},
		attempts: attempts,
		backoff:  backoff,
	}
}

func (c *probeClient) postJSON(ctx context.Context, url string, headers map[string]string, body any) ([]byte, int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}
	return c.postWithRetry(ctx, url, "application/json", headers, func() (io.Reader, error) {
		return bytes.NewReader(encoded), nil
	})
}

func (c *probeClient) postMultipart(ctx context.Context, url string, headers map[string]string, fileField, filename string, data []byte, fields map[string]string) ([]byte, int, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, 0, err
		}
	}
	part, err := writer.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, 0, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, 0, err
	}
	if err := writer.Close(); err != nil {
		return nil, 0, err
	}

	encoded := buf.Bytes()
	return c.postWithRetry(ctx, url, writer.FormDataContentType(), headers, func() (io.Reader, error) {
		return bytes.NewReader(encoded), nil
	})
}

func (c *probeClient) postWithRetry(ctx context.Context, url, contentType string, headers map[string]string, bodyFn func() (io.Reader, error)) ([]byte, int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		body, err := bodyFn()
		if err != nil {
			return nil, 0, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Content-Type", contentType)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			if attempt < c.attempts {
				if !sleepCtx(ctx, c.backoff*time.Duration(attempt)) {
					return nil, 0, ctx.Err()
				}
				continue
			}
			return nil, 0, fmt.Errorf("HTTP error: %w", lastErr)
		}

		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < c.attempts {
				if !sleepCtx(ctx, c.backoff*time.Duration(attempt)) {
					return nil, 0, ctx.Err()
				}
				continue
			}
			return nil, resp.StatusCode, readErr
		}

		if resp.StatusCode >= 500 && attempt < c.attempts {
			if !sleepCtx(ctx, c.backoff*time.Duration(attempt)) {
				return nil, 0, ctx.Err()
			}
			continue
		}
		return payload, resp.StatusCode, nil
	}
	return nil, 0, fmt.Errorf("provider request failed after retries: %w", lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// extractProbability walks common provider response shapes for a numeric
// score: direct keys first, then recursively into nested objects under
// result/data/prediction/output.
func extractProbability(payload []byte) (float64, bool) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, false
	}
	return extractProbabilityFrom(doc)
}

func extractProbabilityFrom(doc map[string]any) (float64, bool) {
	for _, key := range []string{"probability", "ai_probability", "score", "confidence"} {
		if v, ok := doc[key].(float64); ok {
			return v, true
		}
	}
	for _, key := range []string{"result", "data", "prediction", "output"} {
		if nested, ok := doc[key].(map[string]any); ok {
			if v, ok := extractProbabilityFrom(nested); ok {
				return v, true
			}
		}
	}
	return 0, false
}
