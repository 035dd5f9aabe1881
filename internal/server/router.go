package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/auth"
	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"github.com/MarcoPoloResearchLab/cowrite/internal/gateway"
	"github.com/MarcoPoloResearchLab/cowrite/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "cowrite_user_id"
	requestIDContextKey = "cowrite_request_id"
	requestIDHeader     = "X-Request-ID"
)

var (
	errMissingGateway       = errors.New("gateway dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionValidator authenticates HTTP requests and websocket handshakes.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	TokenFromRequest(r *http.Request) string
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Gateway        *gateway.Gateway
	Sessions       SessionValidator
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the websocket endpoint and the
// document read and resolution API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		gateway:  deps.Gateway,
		sessions: deps.Sessions,
		origins:  newOriginPolicy(deps.AllowedOrigins),
		logger:   logger,
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return handler.origins.allows(r.Header.Get("Origin"))
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(tracingMiddleware())
	router.Use(corsMiddleware(handler.origins))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebsocket)

	protected := router.Group("/documents")
	protected.Use(handler.authorizeRequest)
	protected.GET("/:id", handler.handleGetDocument)
	protected.GET("/:id/changes", handler.handleListChanges)
	protected.GET("/:id/presence", handler.handleListPresence)
	protected.GET("/:id/conflicts", handler.handleListConflicts)
	protected.POST("/:id/conflicts/:conflictId/resolve", handler.handleResolveConflict)

	return router, nil
}

type httpHandler struct {
	gateway  *gateway.Gateway
	sessions SessionValidator
	origins  originPolicy
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// originPolicy allows every origin when no list is configured.
type originPolicy struct {
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	policy := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed != "" {
			policy.allowed[strings.ToLower(trimmed)] = struct{}{}
		}
	}
	return policy
}

func (p originPolicy) allows(origin string) bool {
	if len(p.allowed) == 0 || origin == "" {
		return true
	}
	_, ok := p.allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
	return ok
}

func corsMiddleware(origins originPolicy) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  origins.allows,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = ksuid.New().String()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

func tracingMiddleware() gin.HandlerFunc {
	tracer := telemetry.Tracer()
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("request.id", c.GetString(requestIDContextKey)),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(otelcodes.Error, http.StatusText(status))
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.gateway.Identify(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("token subject rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID.String())
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebsocket upgrades the request and hands the connection to the
// gateway. The token travels in the join message, with the handshake token as
// a fallback.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	fallbackToken := h.sessions.TokenFromRequest(c.Request)
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err),
		)
		return
	}
	h.gateway.Serve(c.Request.Context(), ws, fallbackToken)
}

func (h *httpHandler) requestUser(c *gin.Context) (changes.UserID, changes.DocumentID, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	documentID, err := changes.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(gateway.CodeInvalidRequest), "message": "invalid document id"})
		return "", "", false
	}
	return changes.UserID(userID), documentID, true
}

// respondError maps gateway codes onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := gateway.CodeOf(err)
	status := http.StatusServiceUnavailable
	switch code {
	case gateway.CodeUnauthorized:
		status = http.StatusForbidden
	case gateway.CodeNotFound:
		status = http.StatusNotFound
	case gateway.CodeInvalidRequest:
		status = http.StatusBadRequest
	case gateway.CodeConflictRejected, gateway.CodeConflictPending:
		status = http.StatusConflict
	}
	message := err.Error()
	var gatewayErr *gateway.Error
	if errors.As(err, &gatewayErr) {
		message = gatewayErr.Message()
	}
	if status == http.StatusServiceUnavailable {
		h.logger.Error("request failed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": string(code), "message": message})
}
