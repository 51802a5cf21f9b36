/**
 * @description
 * This package provides a client for the payment processor's transfer API.
 * It encapsulates the logic for making authenticated HTTP requests to the
 * processor's /v1/transfers endpoint, handling request body construction,
 * idempotency keys, and response parsing.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, net/url, strings, time: Standard Go libraries.
 */
package stripeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a client for the payment processor's API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new transfer API client.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferParams describes one funds transfer to a connected account.
type TransferParams struct {
	AmountCents    int64
	Currency       string
	Destination    string
	TransferGroup  string
	IdempotencyKey string
	Description    string
}

// Transfer is the processor's representation of a completed transfer request.
type Transfer struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Destination   string `json:"destination"`
	TransferGroup string `json:"transfer_group"`
	Created       int64  `json:"created"`
}

// ErrorResponse represents an error envelope from the processor API.
type ErrorResponse struct {
	ErrorBody struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorBody.Message != "" {
		return fmt.Sprintf("transfer api error: %s - %s", e.ErrorBody.Code, e.ErrorBody.Message)
	}
	return "unknown transfer api error"
}

// CreateTransfer issues a funds transfer to a connected account. The
// idempotency key lets the processor deduplicate a retried request for the
// same logical payout, and the transfer group tags all transfers belonging to
// one event's settlement batch.
func (c *Client) CreateTransfer(ctx context.Context, params TransferParams) (*Transfer, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountCents, 10))
	form.Set("currency", params.Currency)
	form.Set("destination", params.Destination)
	if params.TransferGroup != "" {
		form.Set("transfer_group", params.TransferGroup)
	}
	if params.Description != "" {
		form.Set("description", params.Description)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/transfers", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	if params.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", params.IdempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=transfer_client op=create_transfer status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=transfer_client op=create_transfer status=%d code=%q msg=%q", resp.StatusCode, errResp.ErrorBody.Code, errResp.ErrorBody.Message)
		return nil, &errResp
	}

	var transfer Transfer
	if err := json.Unmarshal(bodyBytes, &transfer); err != nil {
		return nil, fmt.Errorf("failed to decode transfer response: %w", err)
	}

	return &transfer, nil
}
