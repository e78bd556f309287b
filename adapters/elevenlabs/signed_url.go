package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/bookvoice/server/domain"
	"github.com/satriahrh/bookvoice/server/domain/repositories"
)

const (
	defaultAPIBaseURL = "https://api.elevenlabs.io/v1"
	defaultTimeout    = 10 * time.Second
	signedURLPath     = "/convai/conversation/get-signed-url"

	// Upstream error bodies are kept for diagnostics; anything longer is cut.
	maxErrorBodyBytes = 4096
)

// Config holds configuration for the ElevenLabs signed URL client
// Required fields:
// - APIKey: Your ElevenLabs API key
// Optional fields with defaults:
// - APIBaseURL: The base URL for the ElevenLabs API (default: "https://api.elevenlabs.io/v1")
// - Timeout: HTTP timeout for the signing call (default: 10s)
type Config struct {
	APIKey     string
	APIBaseURL string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// SignedURLClient requests signed conversation URLs from ElevenLabs
type SignedURLClient struct {
	apiKey     string
	apiBaseURL string
	httpClient *http.Client
	logger     *zap.Logger
}

// Ensure SignedURLClient implements the SignedURLProvider interface
var _ repositories.SignedURLProvider = (*SignedURLClient)(nil)

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// ValidateConfig validates the Config
func ValidateConfig(config Config) error {
	if config.APIKey == "" {
		return fmt.Errorf("elevenlabs API key is required")
	}
	if config.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %s", config.Timeout)
	}
	if config.APIBaseURL != "" {
		if _, err := url.ParseRequestURI(config.APIBaseURL); err != nil {
			return fmt.Errorf("invalid API base URL %q: %w", config.APIBaseURL, err)
		}
	}
	return nil
}

// NewSignedURLClient creates a new signed URL client
func NewSignedURLClient(config Config, logger *zap.Logger) (*SignedURLClient, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	apiBaseURL := strings.TrimRight(config.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
		logger.Info("Using default API base URL", zap.String("apiBaseURL", apiBaseURL))
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &SignedURLClient{
		apiKey:     config.APIKey,
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// GetSignedURL asks ElevenLabs for a signed conversation URL for agentID.
// Non-2xx responses are returned as domain.KindUpstream errors carrying status and body.
func (c *SignedURLClient) GetSignedURL(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", domain.NewError(domain.KindNotConfigured, "agent id is required", nil)
	}

	endpoint := fmt.Sprintf("%s%s?agent_id=%s", c.apiBaseURL, signedURLPath, url.QueryEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", domain.NewError(domain.KindInternal, "failed to create HTTP request", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("Requesting signed URL", zap.Int("agentIDLength", len(agentID)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.NewError(domain.KindInternal, "failed to reach ElevenLabs", err)
	}
	defer resp.Body.Close()

	c.logger.Info("ElevenLabs API response", zap.Int("statusCode", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger.Error("ElevenLabs API returned error",
			zap.Int("statusCode", resp.StatusCode),
			zap.String("response", string(errorBody)))
		return "", domain.NewUpstreamError(resp.StatusCode, string(errorBody))
	}

	var payload signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", domain.NewError(domain.KindMalformedCredential, "failed to decode signed URL response", err)
	}
	if payload.SignedURL == "" {
		return "", domain.NewError(domain.KindMalformedCredential, "No signed URL in response", nil)
	}

	return payload.SignedURL, nil
}
