package handlers

import "github.com/gin-gonic/gin"

// StatusResponse is the uniform JSON envelope of the validate endpoint.
// Both success and error responses use it; only Status and Message vary.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// fail writes an error response with the standard envelope and aborts the
// handler chain.
func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, StatusResponse{Status: "error", Message: message})
}
