package http

import (
	"errors"
	"net/http"

	"aetherlive/internal/core/domain"
	"aetherlive/internal/core/services"
	"aetherlive/internal/infrastructure/relay"
	apperrors "aetherlive/pkg/errors"

	"github.com/gin-gonic/gin"
)

// SessionHandler exposes a read-only view of live relay sessions plus
// token minting for clients when auth is enabled.
type SessionHandler struct {
	registry    *relay.Registry
	authService services.AuthService
}

func NewSessionHandler(registry *relay.Registry, authService services.AuthService) *SessionHandler {
	return &SessionHandler{
		registry:    registry,
		authService: authService,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/tokens", h.CreateToken)
	}
}

// respondError maps an error to its API status and body. Errors that
// carry no AppError are reported as internal.
func respondError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.NewInternalError(err.Error())
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": appErr.Message,
		"code":  appErr.Code,
	})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions := h.registry.Sessions()

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	info, err := h.registry.Session(sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			respondError(c, apperrors.NewNotFoundError("session"))
			return
		}
		respondError(c, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load session", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": info,
	})
}

func (h *SessionHandler) CreateToken(c *gin.Context) {
	if h.authService == nil {
		respondError(c, apperrors.NewNotFoundError("token endpoint"))
		return
	}

	var req struct {
		Subject string `json:"subject" binding:"required,min=1,max=128"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.authService.GenerateToken(req.Subject)
	if err != nil {
		respondError(c, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token": token,
	})
}
