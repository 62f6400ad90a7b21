package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/mediaforge-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error     APIError `json:"error"`
	TraceID   string   `json:"trace_id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	traceID := c.GetString("trace_id")
	requestID := c.GetString("request_id")
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
		TraceID:   traceID,
		RequestID: requestID,
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondAPIErr renders an *apierr.Error through the same envelope as
// RespondError, so handlers that already have a typed status/code/err
// triple (built via apierr.New) don't need to destructure it themselves.
func RespondAPIErr(c *gin.Context, apiErr *apierr.Error) {
	if apiErr == nil {
		RespondError(c, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	RespondError(c, apiErr.Status, apiErr.Code, apiErr.Err)
}
