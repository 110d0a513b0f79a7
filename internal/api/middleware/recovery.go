package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fisker/zsync-backend/internal/model"
	"github.com/fisker/zsync-backend/pkg/logger"
	"github.com/gin-gonic/gin"
)

// RecoveryMiddleware 自定义错误恢复中间件，打印详细的错误信息
func RecoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		err, ok := recovered.(error)
		if !ok {
			err = fmt.Errorf("%v", recovered)
		}

		requestMethod := c.Request.Method
		requestPath := c.Request.URL.Path
		requestQuery := c.Request.URL.RawQuery
		clientIP := c.ClientIP()

		fullURL := requestPath
		if requestQuery != "" {
			fullURL = fmt.Sprintf("%s?%s", requestPath, requestQuery)
		}

		logger.Errorf(
			"Panic recovered: %v\n"+
				"  Request: %s %s\n"+
				"  Client IP: %s\n"+
				"  Stack Trace:\n%s",
			err,
			requestMethod,
			fullURL,
			clientIP,
			string(debug.Stack()),
		)

		c.JSON(http.StatusInternalServerError, model.Error(500, err.Error()))
		c.Abort()
	})
}
