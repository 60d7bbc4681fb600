// Copyright 2024-2026 Aiku AI

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const maxResponseBody = 1024

// Body is the JSON document posted to the webhook.
type Body struct {
	DataType  string `json:"dataType"`
	Data      any    `json:"data"`
	SessionID string `json:"sessionId"`
}

// StatusError is returned by Send when the receiver answers with a non-2xx
// status.
type StatusError struct {
	StatusCode int
	Response   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned HTTP %d: %s", e.StatusCode, e.Response)
}

// Sender performs one HTTP POST per call. It never retries.
type Sender struct {
	client *http.Client
	apiKey string
	now    func() time.Time
}

func NewSender(timeout time.Duration, apiKey string) *Sender {
	return &Sender{
		client: &http.Client{Timeout: timeout},
		apiKey: apiKey,
		now:    time.Now,
	}
}

// Send posts body to url and returns the delivery id it used.
func (s *Sender) Send(ctx context.Context, url string, body Body) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create webhook request: %w", err)
	}

	deliveryID := uuid.NewString()
	ts := s.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mattermost-relay")
	req.Header.Set("X-Relay-Delivery-ID", deliveryID)
	req.Header.Set("X-Relay-Event-Type", body.DataType)
	req.Header.Set("X-Relay-Timestamp", strconv.FormatInt(ts, 10))
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
		req.Header.Set("X-Relay-Signature", Sign(data, s.apiKey, ts))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return deliveryID, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return deliveryID, &StatusError{StatusCode: resp.StatusCode, Response: string(respBody)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return deliveryID, nil
}
