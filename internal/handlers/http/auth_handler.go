package http

import (
	"net/http"
	"strings"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	"fieldgw/internal/core/services"
	"fieldgw/internal/infrastructure/middleware"
	"fieldgw/internal/infrastructure/signal"
	fgerrors "fieldgw/pkg/errors"
	"fieldgw/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues session tokens on the rendezvous server. A device can
// fetch one over HTTP and log in with it instead of its password.
type AuthHandler struct {
	authService services.AuthService
	presence    ports.PresenceRepository
}

func NewAuthHandler(authService services.AuthService, presence ports.PresenceRepository) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		presence:    presence,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/auth/token", h.IssueToken)
		api.POST("/auth/refresh", middleware.AuthMiddleware(h.authService), h.RefreshToken)
		api.GET("/devices", middleware.AuthMiddleware(h.authService), h.ListDevices)
	}
}

type TokenRequest struct {
	ProjectID string `json:"projectid" binding:"required,max=128"`
	DeviceID  string `json:"device_id" binding:"required,max=128"`
	Password  string `json:"password" binding:"required,max=256"`
	Role      string `json:"role"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	Role      string `json:"role"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(fgerrors.Wrap(err, fgerrors.InitInvalidInput, "invalid request format"))
		return
	}

	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.Role == "" {
		req.Role = signal.RoleField
	}
	for _, err := range []error{
		validation.ValidateProjectID(req.ProjectID),
		validation.ValidateDeviceID(req.DeviceID),
		validation.ValidatePassword(req.Password),
		validation.ValidateOneOf(req.Role, "role", signal.RoleField, signal.RoleRemote),
	} {
		if err != nil {
			_ = c.Error(fgerrors.New(fgerrors.InitInvalidInput, err.Error()))
			return
		}
	}

	device := domain.DeviceID(req.DeviceID)
	if err := h.authService.Authenticate(req.ProjectID, device, req.Password); err != nil {
		_ = c.Error(err)
		return
	}
	h.respondToken(c, req.ProjectID, device, req.Role)
}

// RefreshToken trades a valid token for a fresh one with the same claims.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	h.respondToken(c,
		c.GetString(middleware.ContextProjectID),
		domain.DeviceID(c.GetString(middleware.ContextDeviceID)),
		c.GetString(middleware.ContextRole),
	)
}

func (h *AuthHandler) respondToken(c *gin.Context, project string, device domain.DeviceID, role string) {
	token, expires, err := h.authService.GenerateToken(project, device, role)
	if err != nil {
		_ = c.Error(fgerrors.Wrap(err, fgerrors.CommonError, "failed to generate token"))
		return
	}
	c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expires.Unix(),
		Role:      role,
	})
}

// ListDevices returns the devices of the caller's project that are online.
func (h *AuthHandler) ListDevices(c *gin.Context) {
	project := c.GetString(middleware.ContextProjectID)
	devices, err := h.presence.ListProject(c.Request.Context(), project)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if devices == nil {
		devices = []domain.DeviceID{}
	}
	c.JSON(http.StatusOK, gin.H{
		"projectid": project,
		"devices":   devices,
	})
}
