package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tradeledger/internal/consts"
)

// NoCache 控制客户端不要使用缓存，状态接口每次都应返回实时数据
func NoCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, max-age=0, must-revalidate")
		c.Header("Expires", "Thu, 01 Jan 1970 00:00:00 GMT")
		c.Header("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		c.Next()
	}
}

// Secure 添加安全控制
func Secure() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000")
		}
		c.Next()
	}
}

// RequestId 用来设置和透传requestId，优先沿用上游传入的 X-Request-Id
func RequestId() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestId := strings.TrimSpace(c.GetHeader("X-Request-Id"))
		if requestId == "" {
			requestId = strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		}
		c.Header("X-Request-Id", requestId)
		c.Set(consts.RequestId, requestId)
		c.Next()
	}
}
