package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleClient = "client"
	issuer     = "bookvoice"
)

// ErrInvalidTicket is returned for tickets that fail signature, expiry or role checks
var ErrInvalidTicket = errors.New("invalid ticket")

// JWTClaims represents the claims in a websocket ticket
type JWTClaims struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Ticket is an issued websocket ticket
type Ticket struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ClientID  string    `json:"client_id"`
}

// TokenIssuer signs and validates websocket tickets with an HMAC secret
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer. Tickets expire after ttl.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}
}

// IssueTicket generates a ticket for a new client id
func (i *TokenIssuer) IssueTicket() (Ticket, error) {
	clientID := uuid.New().String()
	now := i.now()
	expiresAt := now.Add(i.ttl)

	claims := &JWTClaims{
		ClientID: clientID,
		Role:     RoleClient,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return Ticket{}, fmt.Errorf("failed to sign ticket: %w", err)
	}

	return Ticket{Token: signed, ExpiresAt: expiresAt, ClientID: clientID}, nil
}

// ValidateToken validates a ticket and returns its claims
func (i *TokenIssuer) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidTicket
	}
	if claims.Role != RoleClient || claims.ClientID == "" {
		return nil, fmt.Errorf("%w: unexpected role %q", ErrInvalidTicket, claims.Role)
	}

	return claims, nil
}
