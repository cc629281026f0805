package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/assistant"
	"github.com/MarcoPoloResearchLab/bavard/internal/auth"
	"github.com/MarcoPoloResearchLab/bavard/internal/contacts"
	"github.com/MarcoPoloResearchLab/bavard/internal/fanout"
	"github.com/MarcoPoloResearchLab/bavard/internal/media"
	"github.com/MarcoPoloResearchLab/bavard/internal/messaging"
	"github.com/MarcoPoloResearchLab/bavard/internal/notifications"
	"github.com/MarcoPoloResearchLab/bavard/internal/stories"
	"github.com/MarcoPoloResearchLab/bavard/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "bavard_user_id"
	claimsContextKey = "bavard_session_claims"
	accessTokenQuery = "access_token"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentityResolver = errors.New("identity resolver dependency required")
	errMissingContactsService  = errors.New("contacts service dependency required")
	errMissingMessagingService = errors.New("messaging service dependency required")
	errMissingNotifications    = errors.New("notifications service dependency required")
	errMissingHub              = errors.New("fan-out hub dependency required")
)

// SessionValidator authenticates requests issued by the external auth provider.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// IdentityResolver maps session claims onto canonical users.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
	Profile(ctx context.Context, userID string) (users.Profile, error)
}

// Dependencies wires the HTTP layer to the services.
type Dependencies struct {
	Sessions      SessionValidator
	Identities    IdentityResolver
	Contacts      *contacts.Service
	Messaging     *messaging.Service
	Notifications *notifications.Service
	Stories       *stories.Service
	Gateway       media.Gateway
	Generator     assistant.Generator
	Hub           *fanout.Hub
	Clock         func() time.Time
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router serving the REST API and both realtime transports.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Identities == nil {
		return nil, errMissingIdentityResolver
	}
	if deps.Contacts == nil {
		return nil, errMissingContactsService
	}
	if deps.Messaging == nil {
		return nil, errMissingMessagingService
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	generator := deps.Generator
	if generator == nil {
		generator = assistant.Unavailable{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:      deps.Sessions,
		identities:    deps.Identities,
		contacts:      deps.Contacts,
		messaging:     deps.Messaging,
		notifications: deps.Notifications,
		stories:       deps.Stories,
		gateway:       deps.Gateway,
		generator:     generator,
		hub:           deps.Hub,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/health", handler.handleHealth)
	if fetcher, ok := deps.Gateway.(mediaFetcher); ok {
		handler.fetcher = fetcher
		router.GET("/media/:address", handler.handleMedia)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)

	protected.GET("/contacts", handler.handleListContacts)
	protected.POST("/contacts", handler.handleAddContact)
	protected.DELETE("/contacts/:contactID", handler.handleRemoveContact)

	protected.GET("/conversations/:peerID/messages", handler.handleHistory)
	protected.POST("/conversations/:peerID/messages", handler.handleSend)
	protected.POST("/conversations/:peerID/attachments", handler.handleSendAttachment)
	protected.POST("/conversations/:peerID/open", handler.handleOpen)
	protected.POST("/conversations/:peerID/read", handler.handleMarkRead)
	protected.POST("/conversations/:peerID/purge", handler.handlePurge)
	protected.GET("/conversations/:peerID/unread", handler.handleUnread)
	protected.POST("/messages/:messageID/reveal", handler.handleReveal)

	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications/read", handler.handleMarkNotificationsRead)
	protected.DELETE("/notifications", handler.handleClearNotifications)

	protected.GET("/stories", handler.handleListStories)
	protected.POST("/stories", handler.handlePublishStory)
	protected.GET("/stories/viewer/:authorID", handler.handleStoryViewer)
	protected.POST("/stories/:storyID/seen", handler.handleStorySeen)

	protected.POST("/feed/rank", handler.handleRankFeed)

	protected.GET("/events/stream", handler.handleEventStream)
	protected.GET("/ws", handler.handleWebSocket)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions      SessionValidator
	identities    IdentityResolver
	contacts      *contacts.Service
	messaging     *messaging.Service
	notifications *notifications.Service
	stories       *stories.Service
	gateway       media.Gateway
	fetcher       mediaFetcher
	generator     assistant.Generator
	hub           *fanout.Hub
	clock         func() time.Time
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.hub.Sessions()})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	profile, err := h.identities.Profile(c.Request.Context(), userID)
	if err != nil {
		claims, _ := c.Get(claimsContextKey)
		sessionClaims, _ := claims.(auth.SessionClaims)
		profile = users.Profile{ID: userID, DisplayName: sessionClaims.UserDisplayName, Email: sessionClaims.UserEmail}
		if profile.DisplayName == "" {
			profile.DisplayName = userID
		}
	}
	c.JSON(http.StatusOK, profile)
}

// authorizeRequest accepts a bearer header or session cookie, and an
// access_token query parameter for transports that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		claims auth.SessionClaims
		err    error
	)
	if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" && c.GetHeader("Authorization") == "" {
		claims, err = h.sessions.ValidateToken(token)
	} else {
		claims, err = h.sessions.ValidateRequest(c.Request)
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.identities.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Set(userIDContextKey, userID)
	c.Next()
}

func statusForError(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindInvalid:
		return http.StatusBadRequest
	case apperrors.KindPermission:
		return http.StatusForbidden
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindPartialBatch:
		return http.StatusConflict
	case apperrors.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) gin.H {
	body := gin.H{"error": string(apperrors.KindOf(err))}
	if code := apperrors.CodeOf(err); code != "" {
		body["code"] = code
	}
	return body
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	h.respondErrorWith(c, err, nil)
}

func (h *httpHandler) respondErrorWith(c *gin.Context, err error, extra gin.H) {
	status := statusForError(err)
	body := errorBody(err)
	for key, value := range extra {
		body[key] = value
	}
	fields := []zap.Field{
		zap.String("path", c.FullPath()),
		zap.String("user_id", c.GetString(userIDContextKey)),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	c.JSON(status, body)
}

func invalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(apperrors.KindInvalid), "code": "request.invalid_body"})
}
