package usecase

import (
	"context"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/bookvoice/server/domain/entities"
	"github.com/satriahrh/bookvoice/server/domain/repositories"
	"github.com/satriahrh/bookvoice/server/internal/config"
)

const agentIDPrefixLength = 8

// CredentialService issues short-lived session credentials without exposing the API key.
type CredentialService struct {
	apiKey   string
	agentID  string
	env      string
	provider repositories.SignedURLProvider
	logger   *zap.Logger
	now      func() time.Time
}

// Ensure CredentialService implements the CredentialIssuer interface
var _ repositories.CredentialIssuer = (*CredentialService)(nil)

// Diagnostics describes the credential configuration without revealing it.
type Diagnostics struct {
	HasAgentID    bool      `json:"hasAgentId"`
	HasAPIKey     bool      `json:"hasApiKey"`
	AgentIDLength int       `json:"agentIdLength"`
	APIKeyLength  int       `json:"apiKeyLength"`
	AgentIDPrefix string    `json:"agentIdPrefix"`
	Environment   string    `json:"nodeEnv"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewCredentialService creates a new credential service. provider may be nil
// when no API key is configured; every request is then answered in demo mode.
func NewCredentialService(cfg config.Config, provider repositories.SignedURLProvider, logger *zap.Logger) *CredentialService {
	return &CredentialService{
		apiKey:   cfg.ElevenLabsAPIKey,
		agentID:  cfg.AgentID,
		env:      cfg.Env,
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// IssueCredential returns a signed URL for agentID, or for the configured agent
// when agentID is empty. Missing configuration yields the demo credential and
// no outbound call is made.
func (s *CredentialService) IssueCredential(ctx context.Context, agentID string) (entities.SessionCredential, error) {
	if agentID == "" {
		agentID = s.agentID
	}

	s.logger.Info("Issuing session credential",
		zap.Bool("has_agent_id", agentID != ""),
		zap.Bool("has_api_key", s.apiKey != ""),
		zap.Int("agent_id_length", len(agentID)))

	if agentID == "" || s.apiKey == "" || s.provider == nil {
		s.logger.Warn("Credential proxy not configured, returning demo credential")
		return entities.DemoCredential(), nil
	}

	signedURL, err := s.provider.GetSignedURL(ctx, agentID)
	if err != nil {
		s.logger.Error("Failed to get signed URL", zap.Error(err))
		return entities.SessionCredential{}, err
	}

	logSignedURLShape(s.logger, signedURL)

	return entities.SessionCredential{SignedURL: signedURL, IsDemo: false}, nil
}

// Diagnostics reports which credentials are present.
func (s *CredentialService) Diagnostics() Diagnostics {
	d := Diagnostics{
		HasAgentID:    s.agentID != "",
		HasAPIKey:     s.apiKey != "",
		AgentIDLength: len(s.agentID),
		APIKeyLength:  len(s.apiKey),
		AgentIDPrefix: "not set",
		Environment:   s.env,
		Timestamp:     s.now().UTC(),
	}
	if s.agentID != "" {
		prefix := s.agentID
		if len(prefix) > agentIDPrefixLength {
			prefix = prefix[:agentIDPrefixLength]
		}
		d.AgentIDPrefix = prefix + "..."
	}
	return d
}

// logSignedURLShape logs the structure of a signed URL. The query carries the token and is never logged.
func logSignedURLShape(logger *zap.Logger, signedURL string) {
	u, err := url.Parse(signedURL)
	if err != nil {
		logger.Warn("Signed URL does not parse", zap.Error(err))
		return
	}
	logger.Info("Signed URL issued",
		zap.String("scheme", u.Scheme),
		zap.String("host", u.Host),
		zap.String("path", u.Path),
		zap.Bool("has_query", u.RawQuery != ""))
}
