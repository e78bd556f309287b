package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/satriahrh/bookvoice/server/domain"
	"github.com/satriahrh/bookvoice/server/domain/entities"
	"github.com/satriahrh/bookvoice/server/domain/repositories"
	"github.com/satriahrh/bookvoice/server/internal/auth"
	"github.com/satriahrh/bookvoice/server/internal/websocket"
	"github.com/satriahrh/bookvoice/server/usecase"
)

const defaultConversationLimit = 20

// InitRoutes initializes all API routes
func InitRoutes(
	e *echo.Echo,
	hub *websocket.Hub,
	credentials *usecase.CredentialService,
	tokens *auth.TokenIssuer,
	conversations repositories.ConversationRepository,
	credentialRateLimit float64,
	logger *zap.Logger,
) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "bookvoice-server",
		})
	})

	// Credential proxy, rate limited per client IP
	limiter := middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(credentialRateLimit),
			Burst: rateLimitBurst(credentialRateLimit),
		}),
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, ErrorResponse{
				Error:   "rate_limit_identifier",
				Message: "Unable to identify client",
			})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate_limited",
				Message: "Too many credential requests",
			})
		},
	})
	signedURL := func(c echo.Context) error {
		return getSignedURL(c, credentials, logger)
	}
	credentialRoutes := e.Group("/api", limiter)
	credentialRoutes.GET("/signed-url", signedURL)
	credentialRoutes.POST("/signed-url", signedURL)
	credentialRoutes.GET("/elevenlabs/signed-url", signedURL)
	credentialRoutes.POST("/elevenlabs/signed-url", signedURL)

	e.GET("/api/debug-env", func(c echo.Context) error {
		diagnostics := credentials.Diagnostics()
		logger.Info("Debug environment check",
			zap.Bool("has_agent_id", diagnostics.HasAgentID),
			zap.Bool("has_api_key", diagnostics.HasAPIKey))
		return c.JSON(http.StatusOK, diagnostics)
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.GET("/voices", getVoices)
	v1.POST("/tickets", func(c echo.Context) error {
		return issueTicket(c, tokens, logger)
	})
	v1.GET("/conversations", func(c echo.Context) error {
		return getConversations(c, conversations, logger)
	})

	// WebSocket endpoint with ticket validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(hub, tokens, c, logger)
	})
}

// rateLimitBurst lets at least one request through for rates below one per second.
func rateLimitBurst(perSecond float64) int {
	if perSecond < 1 {
		return 1
	}
	return int(perSecond)
}

// getSignedURL serves GET ?agent_id= and POST {"agentId"} alike. Upstream
// failures keep the provider's status code.
func getSignedURL(c echo.Context, credentials *usecase.CredentialService, logger *zap.Logger) error {
	agentID := c.QueryParam("agent_id")
	if c.Request().Method == http.MethodPost {
		var req SignedURLRequest
		if err := c.Bind(&req); err != nil {
			logger.Error("Failed to bind signed URL request", zap.Error(err))
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "Invalid request format",
			})
		}
		if req.AgentID != "" {
			agentID = req.AgentID
		}
	}

	credential, err := credentials.IssueCredential(c.Request().Context(), agentID)
	if err != nil {
		status, body := credentialErrorResponse(err)
		return c.JSON(status, body)
	}

	return c.JSON(http.StatusOK, credential)
}

func credentialErrorResponse(err error) (int, ErrorResponse) {
	var de *domain.Error
	if errors.As(err, &de) && de.Kind == domain.KindUpstream {
		status := de.Status
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		return status, ErrorResponse{Error: de.Message, Details: de.Body}
	}

	details := err.Error()
	if errors.As(err, &de) {
		details = de.Message
	}
	return http.StatusInternalServerError, ErrorResponse{
		Error:   "Failed to generate signed URL",
		Details: details,
	}
}

func getVoices(c echo.Context) error {
	return c.JSON(http.StatusOK, VoicesResponse{
		Voices:           entities.Voices(),
		DefaultVoiceID:   entities.DefaultVoice().VoiceID,
		DefaultFirstName: entities.DefaultFirstName,
	})
}

func issueTicket(c echo.Context, tokens *auth.TokenIssuer, logger *zap.Logger) error {
	ticket, err := tokens.IssueTicket()
	if err != nil {
		logger.Error("Failed to issue ticket", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate ticket",
		})
	}

	logger.Info("Ticket issued", zap.String("client_id", ticket.ClientID))
	return c.JSON(http.StatusOK, ticket)
}

func getConversations(c echo.Context, conversations repositories.ConversationRepository, logger *zap.Logger) error {
	limit := defaultConversationLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "limit must be a positive integer",
			})
		}
		limit = parsed
	}

	list, err := conversations.ListRecent(c.Request().Context(), limit)
	if err != nil {
		logger.Error("Failed to list conversations", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list conversations",
		})
	}

	return c.JSON(http.StatusOK, ConversationsResponse{Conversations: list})
}

// websocketWithAuth handles WebSocket connections with ticket authentication.
// Browsers cannot set headers on websocket requests, so ?token= is accepted too.
func websocketWithAuth(hub *websocket.Hub, tokens *auth.TokenIssuer, c echo.Context, logger *zap.Logger) error {
	token := c.QueryParam("token")
	if authHeader := c.Request().Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}

	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "Ticket is required in Authorization header or token query parameter",
		})
	}

	claims, err := tokens.ValidateToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired ticket",
		})
	}

	logger.Info("WebSocket connection authenticated",
		zap.String("client_id", claims.ClientID),
		zap.String("role", claims.Role))

	return websocket.HandleWebSocketWithAuth(hub, c, claims.ClientID, logger)
}
