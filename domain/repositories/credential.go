package repositories

import (
	"context"

	"github.com/satriahrh/bookvoice/server/domain/entities"
)

// SignedURLProvider obtains a signed conversation URL from the voice provider
type SignedURLProvider interface {
	GetSignedURL(ctx context.Context, agentID string) (string, error)
}

// CredentialIssuer produces a session credential, falling back to demo mode when unconfigured
type CredentialIssuer interface {
	IssueCredential(ctx context.Context, agentID string) (entities.SessionCredential, error)
}
