package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/knowledge-agent/go-convsync/pkg/errors"
	"github.com/knowledge-agent/go-convsync/pkg/logger"
)

// 统一响应辅助 (DRY: 所有 handler 共用)。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, gin.H{"success": false, "error": gin.H{"code": "conflict", "message": message}})
}

func unavailable(c *gin.Context, message string) {
	c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": gin.H{"code": "unavailable", "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.Any(logger.FieldError, err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "服务器内部错误"}})
}

// respondError 按错误码映射 HTTP 状态, 未识别的归 500。
func respondError(c *gin.Context, err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeValidation:
		badRequest(c, "invalid_request", err.Error())
	case apperrors.CodeNotFound:
		notFound(c, err.Error())
	case apperrors.CodeConflict:
		conflict(c, err.Error())
	case apperrors.CodeUnavailable:
		unavailable(c, err.Error())
	default:
		serverError(c, err)
	}
}
