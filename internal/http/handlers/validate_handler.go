// Package handlers provides the HTTP handler for the binding callback.
//
// The externally hosted login page calls POST /api/validate after a user
// logs in, presenting the shared admin key, the one-time code from the
// out-of-band URL, and the user's external identity (uid). The handler is
// transport-thin: it authenticates the caller, delegates to the binding
// service, and translates domain outcomes into the wire contract below.
//
// Wire contract (fixed, consumed by the login page):
//
//	200 {"status":"success","message":"验证成功"}
//	401 {"status":"error","message":"验证码超时"}            (code absent/expired)
//	403 {"status":"error","message":"Invalid admin key"}
//	403 {"status":"error","message":"此UID已绑定其他Telegram账号"}
//	403 {"status":"error","message":"此Telegram账号已绑定其他UID"}
package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paoluz/authgate/internal/domain"
	"github.com/paoluz/authgate/internal/http/middleware"
	"github.com/paoluz/authgate/internal/services"
)

// Binder is the binding use-case consumed by the validate endpoint.
type Binder interface {
	// Bind atomically consumes code and binds uid to the member holding it.
	Bind(ctx context.Context, code, uid string) (*domain.Member, error)
}

// Handlers groups the HTTP endpoints of the gate.
type Handlers struct {
	adminKey string
	binder   Binder
}

// New constructs a Handlers instance bound to the given binding service.
func New(adminKey string, binder Binder) *Handlers {
	return &Handlers{adminKey: adminKey, binder: binder}
}

// ValidateRequest is the JSON payload sent by the login page.
type ValidateRequest struct {
	AdminKey string `json:"admin_key"`
	Code     string `json:"code"`
	UID      string `json:"uid"`
}

// Validate handles POST /api/validate.
//
// The admin key is checked before any store access so an unauthenticated
// caller cannot use the endpoint as an oracle for code validity, and the
// comparison is constant-time. Everything after authentication maps 1:1 to
// the binding service's terminal outcomes.
func (h *Handlers) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.AdminKey), []byte(h.adminKey)) != 1 {
		fail(c, http.StatusForbidden, "Invalid admin key")
		return
	}
	if req.UID == "" {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	m, err := h.binder.Bind(c.Request.Context(), req.Code, req.UID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCodeExpired):
			fail(c, http.StatusUnauthorized, "验证码超时")
		case errors.Is(err, services.ErrUIDAlreadyBound):
			fail(c, http.StatusForbidden, "此UID已绑定其他Telegram账号")
		case errors.Is(err, services.ErrChatAlreadyBound):
			fail(c, http.StatusForbidden, "此Telegram账号已绑定其他UID")
		default:
			// Internal detail never crosses the HTTP boundary.
			middleware.LoggerFrom(c).Error().Err(err).Msg("bind failed")
			fail(c, http.StatusInternalServerError, "internal error")
		}
		return
	}

	middleware.LoggerFrom(c).Info().Int64("chat_id", m.ChatID).Msg("member validated")
	c.JSON(http.StatusOK, StatusResponse{Status: "success", Message: "验证成功"})
}
