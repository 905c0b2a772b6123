package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tradeledger/internal/consts"
)

const (
	CodeSuccess = 0
	CodeFailed  = 1
)

// 代表响应给客户端的的一个消息结构，包括错误码，错误信息，响应数据
type ApiResponse struct {
	RequestId string      `json:"request_id"` // 请求的唯一ID
	Code      int         `json:"code"`       // 错误码 0表示无错误
	Message   string      `json:"message"`
	Data      interface{} `json:"data"`
}

// JSON 发送json格式数据，err 非空时返回 503
func JSON(c *gin.Context, err error, data interface{}) {
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ApiResponse{
			RequestId: c.GetString(consts.RequestId),
			Code:      CodeFailed,
			Message:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, ApiResponse{
		RequestId: c.GetString(consts.RequestId),
		Code:      CodeSuccess,
		Message:   "success",
		Data:      data,
	})
}
