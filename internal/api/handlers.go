// Package api is the gateway's HTTP surface: the REST endpoints the chat
// client uses for accounts, history and uploads, plus the /ws/chat socket.
package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"unichat/internal/auth"
	"unichat/internal/logging"
	"unichat/internal/models"
	"unichat/internal/service/assistant"
	"unichat/internal/worker"
)

// TurnRunner executes chat turns and owns their cached state.
type TurnRunner interface {
	Stream(worker.TurnRequest) (*worker.TurnResult, error)
	Purge(ctx context.Context, userID int64, conversationID string)
	ResetUser(ctx context.Context, userID int64)
}

// ModelCatalog lists the models a client may request.
type ModelCatalog interface {
	Models() []string
}

type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	turns     TurnRunner
	catalog   ModelCatalog
	fileBase  string
	fileTTL   time.Duration
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

// NewHandler wires the services behind the routes. catalog may be nil.
func NewHandler(service *assistant.Service, authService *auth.Service, turns TurnRunner, catalog ModelCatalog, fileBase string, fileTTL time.Duration, logger *zap.Logger) *Handler {
	if fileTTL <= 0 {
		fileTTL = assistant.DefaultUploadTTL
	}
	return &Handler{
		assistant: service,
		auth:      authService,
		turns:     turns,
		catalog:   catalog,
		fileBase:  fileBase,
		fileTTL:   fileTTL,
		log:       logging.OrNop(logger).With(zap.String("component", "api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.register)
	api.POST("/users/login", h.login)
	api.GET("/models", h.listModels)

	user := api.Group("", h.auth.Middleware())
	user.GET("/profile", h.profile)
	user.POST("/users/logout", h.logout)
	user.DELETE("/users", h.deleteAccount)
	user.GET("/conversations", h.listConversations)
	user.GET("/conversations/:id/messages", h.conversationHistory)
	user.DELETE("/conversations/:id", h.deleteConversation)
	user.POST("/uploads", h.upload)

	router.GET("/ws/chat", h.chatSocket)
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// failFor maps service errors onto statuses; anything unrecognised is a 500.
func failFor(c *gin.Context, err error, notFound string) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		fail(c, http.StatusNotFound, notFound)
	case errors.Is(err, assistant.ErrMissingCredentials):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, assistant.ErrUsernameTaken):
		fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, assistant.ErrInvalidCredentials):
		fail(c, http.StatusUnauthorized, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

// caller returns the principal the auth middleware stored. Routes in the
// user group never run without one.
func caller(c *gin.Context) auth.Principal {
	p, _ := auth.PrincipalFromContext(c)
	return p
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func bindCredentials(c *gin.Context) (credentials, bool) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Password) == "" {
		fail(c, http.StatusBadRequest, "username and password are required")
		return req, false
	}
	return req, true
}

func (h *Handler) register(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		failFor(c, err, "")
		return
	}
	h.log.Info("registered user", zap.Int64("user_id", user.ID))
	c.JSON(http.StatusCreated, user.Profile())
}

func (h *Handler) login(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	user, err := h.assistant.Login(ctx, req.Username, req.Password)
	if err != nil {
		failFor(c, err, assistant.ErrInvalidCredentials.Error())
		return
	}
	token, err := h.auth.IssueToken(ctx, user.ID)
	if err != nil {
		h.log.Error("issue token", zap.Int64("user_id", user.ID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "issue token failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"credits":    user.Credits,
		"auth_token": token,
	})
}

func (h *Handler) listModels(c *gin.Context) {
	names := []string{}
	if h.catalog != nil {
		names = append(names, h.catalog.Models()...)
	}
	c.JSON(http.StatusOK, gin.H{"models": names})
}

func (h *Handler) profile(c *gin.Context) {
	user, err := h.assistant.GetUser(c.Request.Context(), caller(c).UserID)
	if err != nil {
		failFor(c, err, "user not found")
		return
	}
	c.JSON(http.StatusOK, user.Profile())
}

func (h *Handler) logout(c *gin.Context) {
	p := caller(c)
	ctx := c.Request.Context()
	h.turns.ResetUser(ctx, p.UserID)
	if err := h.auth.RevokeToken(ctx, p.Token); err != nil {
		h.log.Warn("revoke token", zap.Int64("user_id", p.UserID), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteAccount(c *gin.Context) {
	id := caller(c).UserID
	ctx := c.Request.Context()
	if err := h.auth.RevokeUserTokens(ctx, id); err != nil {
		failFor(c, err, "user not found")
		return
	}
	h.turns.ResetUser(ctx, id)
	if err := h.assistant.DeleteUser(ctx, id); err != nil {
		failFor(c, err, "user not found")
		return
	}
	h.log.Info("deleted user", zap.Int64("user_id", id))
	c.Status(http.StatusNoContent)
}

func (h *Handler) listConversations(c *gin.Context) {
	list, err := h.assistant.ListConversations(c.Request.Context(), caller(c).UserID)
	if err != nil {
		failFor(c, err, "")
		return
	}
	if list == nil {
		list = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func conversationParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		fail(c, http.StatusBadRequest, "invalid conversation id")
		return "", false
	}
	return id, true
}

func (h *Handler) conversationHistory(c *gin.Context) {
	id, ok := conversationParam(c)
	if !ok {
		return
	}
	conv, messages, err := h.assistant.GetConversationWithMessages(c.Request.Context(), caller(c).UserID, id)
	if err != nil {
		failFor(c, err, "conversation not found")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": messages})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	id, ok := conversationParam(c)
	if !ok {
		return
	}
	userID := caller(c).UserID
	if err := h.assistant.DeleteConversation(c.Request.Context(), userID, id); err != nil {
		failFor(c, err, "conversation not found")
		return
	}
	h.turns.Purge(c.Request.Context(), userID, id)
	c.Status(http.StatusNoContent)
}
