package httprecorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Wyydra/callsig/internal/core/domain"
)

// Recorder reports call outcomes to the server's record API.
type Recorder struct {
	endpoint string
	client   *http.Client
}

func New(baseURL string, client *http.Client) *Recorder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Recorder{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/calls",
		client:   client,
	}
}

func (r *Recorder) Record(ctx context.Context, rec domain.CallRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post record: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post record: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
