// Package broker pushes signed account claims to the running message
// broker's account-resolver admin endpoint, so the broker accepts
// connections authenticating under newly minted accounts.
package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/relaymesh/credserver/internal/platform/errors"
	"github.com/relaymesh/credserver/internal/platform/timeouts"
	"github.com/relaymesh/credserver/internal/services/issuer/domain"
)

// Client publishes account claims over the broker's HTTP admin channel.
// The endpoint is idempotent on the broker side: republishing an unchanged
// claim is a no-op, not an error.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a broker client for the given admin base URL. A nil
// httpClient gets a default with the shared publish timeout.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("broker base URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("broker base URL must be http or https, got %q", parsed.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.BrokerPublish}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}, nil
}

// Publish pushes the account's signed claim to the broker, addressed by
// the account's public key. The caller owns the context deadline; a hung
// broker fails with BROKER_UNREACHABLE once the deadline expires.
func (c *Client) Publish(ctx context.Context, account domain.Account) error {
	if strings.TrimSpace(account.Claim) == "" {
		return apperrors.New(apperrors.CodeBrokerRejected, "account claim is empty")
	}
	if len(account.PublicKey) == 0 {
		return apperrors.New(apperrors.CodeBrokerRejected, "account public key is empty")
	}
	endpoint := fmt.Sprintf("%s/v1/accounts/%s", c.baseURL, domain.EncodeKeyURL(account.PublicKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(account.Claim))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeBrokerUnreachable, "build publish request", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeBrokerUnreachable, "publish account claim", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	metadata := map[string]string{
		"Account": account.Name,
		"Status":  fmt.Sprintf("%d", resp.StatusCode),
		"Body":    strings.TrimSpace(string(body)),
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return apperrors.WithMetadata(apperrors.CodeBrokerRejected, "broker rejected account claim", metadata)
	}
	return apperrors.WithMetadata(apperrors.CodeBrokerUnreachable, "broker publish failed", metadata)
}
