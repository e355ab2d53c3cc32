package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/routeguard/voicebridge/internal/config"
)

// ============================================
// PROVIDER DIAL CLIENT
// LaML REST API: outbound calls, hangup, SMS
// ============================================

// ProviderClient talks to the telephony provider's REST API
type ProviderClient struct {
	projectID  string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// providerCall is the provider's call resource representation
type providerCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// NewProviderClient creates a provider API client
func NewProviderClient(cfg config.ProviderConfig, logger *slog.Logger) *ProviderClient {
	space := strings.TrimPrefix(strings.TrimPrefix(cfg.SpaceURL, "https://"), "http://")
	return &ProviderClient{
		projectID:  cfg.ProjectID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		baseURL:    fmt.Sprintf("https://%s/api/laml/2010-04-01", space),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With(slog.String("component", "provider")),
	}
}

// PlaceCall dials an outbound call. answerURL receives the LaML webhook
// when the call is answered; statusURL receives lifecycle callbacks.
// Returns the provider's call SID.
func (p *ProviderClient) PlaceCall(ctx context.Context, to, answerURL, statusURL string) (string, error) {
	form := url.Values{}
	form.Set("From", p.fromNumber)
	form.Set("To", to)
	form.Set("Url", answerURL)
	form.Set("Method", "POST")
	form.Set("StatusCallback", statusURL)
	form.Set("StatusCallbackMethod", "POST")

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", p.baseURL, p.projectID)
	call, err := p.postForm(ctx, endpoint, form)
	if err != nil {
		return "", fmt.Errorf("failed to place call to %s: %w", to, err)
	}

	p.logger.Info("call placed",
		slog.String("provider_sid", call.SID),
		slog.String("to", to))
	return call.SID, nil
}

// Hangup asks the provider to end a live call
func (p *ProviderClient) Hangup(ctx context.Context, providerSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", p.baseURL, p.projectID, providerSID)
	if _, err := p.postForm(ctx, endpoint, form); err != nil {
		return fmt.Errorf("failed to hang up call %s: %w", providerSID, err)
	}
	return nil
}

// SendSMS sends a text message from the bridge's number
func (p *ProviderClient) SendSMS(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("From", p.fromNumber)
	form.Set("To", to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", p.baseURL, p.projectID)
	if _, err := p.postForm(ctx, endpoint, form); err != nil {
		return fmt.Errorf("failed to send sms to %s: %w", to, err)
	}
	return nil
}

// postForm issues an authenticated form POST and decodes the call
// resource response.
func (p *ProviderClient) postForm(ctx context.Context, endpoint string, form url.Values) (*providerCall, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.projectID, p.authToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("provider API error (%d): %s", resp.StatusCode, string(body))
	}

	var call providerCall
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &call, nil
}

// StreamLaML builds the answer-webhook LaML that connects the call's
// audio to the media stream endpoint, carrying the internal call id as
// a custom parameter for correlation.
func StreamLaML(streamURL, callID string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s">
            <Parameter name="call_id" value="%s" />
        </Stream>
    </Connect>
</Response>`, html.EscapeString(streamURL), html.EscapeString(callID))
}
