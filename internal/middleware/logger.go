package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"tradeledger/internal/consts"
	"tradeledger/pkg/logger"
)

func Logger(c *gin.Context) {
	// 请求前
	t := time.Now()
	reqPath := c.Request.URL.Path
	reqId := c.GetString(consts.RequestId)

	c.Next()
	// 请求后
	fields := []logger.Field{
		logger.Pair(consts.RequestId, reqId),
		logger.Pair("host", c.ClientIP()),
		logger.Pair("method", c.Request.Method),
		logger.Pair("path", reqPath),
		logger.Pair("status", c.Writer.Status()),
		logger.Pair("cost", time.Since(t)),
	}
	// 健康检查太频繁，只记 debug
	if reqPath == "/ping" {
		logger.Debug("[Request]", fields...)
		return
	}
	logger.Info("[Request]", fields...)
}
