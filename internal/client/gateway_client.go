package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GatewayClient talks to the HTTP bridge that owns the messaging session.
type GatewayClient struct {
	baseURL string
	client  *http.Client
}

func NewGatewayClient(baseURL string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

type statusResponse struct {
	Status      string `json:"status"`
	PhoneNumber string `json:"phoneNumber"`
}

// GatewayStatus is the session state reported by the gateway.
type GatewayStatus struct {
	Status      string
	PhoneNumber string
}

func (c *GatewayClient) Send(ctx context.Context, address, message string) (string, error) {
	chatID, err := ChatID(address)
	if err != nil {
		return "", err
	}

	reqBody, err := json.Marshal(sendRequest{
		ChatID:  chatID,
		Message: message,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return sr.MessageID, nil
}

func (c *GatewayClient) Status(ctx context.Context) (GatewayStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return GatewayStatus{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return GatewayStatus{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return GatewayStatus{}, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return GatewayStatus{}, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	return GatewayStatus{Status: sr.Status, PhoneNumber: sr.PhoneNumber}, nil
}
