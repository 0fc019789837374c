package rest

import (
	"github.com/gin-gonic/gin"
)

// SuccessResponse is the standard success envelope.
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

func respondJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, SuccessResponse{Data: data})
}

func respondAPIError(c *gin.Context, err error) {
	apiErr := TranslateError(err)
	if requestID := GetRequestID(c); requestID != "" {
		if apiErr.Details == nil {
			apiErr.Details = make(map[string]interface{})
		}
		apiErr.Details["request_id"] = requestID
	}
	c.JSON(apiErr.HTTPStatus, apiErr)
}

// bindJSON decodes the request body, responding with a 400 envelope itself
// on failure. Callers just `return` on a non-nil result.
func bindJSON(c *gin.Context, dest interface{}) error {
	if err := c.ShouldBindJSON(dest); err != nil {
		respondAPIError(c, ErrInvalidJSON)
		return err
	}
	return nil
}

// GetRequestID returns the request id the logging middleware attached.
func GetRequestID(c *gin.Context) string {
	id, _ := c.Get(ContextKeyRequestID)
	s, _ := id.(string)
	return s
}
