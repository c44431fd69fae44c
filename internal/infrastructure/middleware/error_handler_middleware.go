package middleware

import (
	"errors"
	"net/http"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/services"
	fgerrors "fieldgw/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HTTPStatus maps an error onto the status code of an API response.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrUnauthorized), errors.Is(err, services.ErrInvalidToken), errors.Is(err, services.ErrExpiredToken):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrStreamNotFound):
		return http.StatusNotFound
	}

	switch code := fgerrors.CodeOf(err); {
	case code == fgerrors.InitNotReady:
		return http.StatusServiceUnavailable
	case code == fgerrors.InitInvalidInput, code == fgerrors.InitParamError, code.Module == fgerrors.ModuleConfig:
		return http.StatusBadRequest
	case code == fgerrors.ConnectStreamUnknown, code == fgerrors.CaptureUnknownID:
		return http.StatusNotFound
	case code == fgerrors.ConnectStreamExists, code == fgerrors.StorIDExist:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// ErrorHandlerMiddleware renders errors attached with c.Error.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status := HTTPStatus(err)
		code := fgerrors.CodeOf(err)

		if status >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"code", code.String(),
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			logger.Debugw("request rejected",
				"code", code.String(),
				"error", err,
				"path", c.Request.URL.Path,
			)
		}

		body := gin.H{
			"error":   code.String(),
			"code":    code.Value(),
			"message": err.Error(),
		}
		var appErr *fgerrors.Error
		if errors.As(err, &appErr) && len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(status, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   fgerrors.CommonError.String(),
					"code":    fgerrors.CommonError.Value(),
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
