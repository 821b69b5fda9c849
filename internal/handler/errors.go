package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/kulangara/backend/internal/apperr"
	"github.com/kulangara/backend/internal/logging"
	"github.com/kulangara/backend/internal/model"
)

const internalErrorMessage = "An internal error occurred"

// Responder writes error envelopes and logs the failure once, at the edge.
type Responder struct {
	log        logging.Logger
	production bool
}

func NewResponder(log logging.Logger, production bool) *Responder {
	if log == nil {
		log = logging.Discard()
	}
	return &Responder{log: log, production: production}
}

func (r *Responder) Error(c *gin.Context, err error) {
	appErr := apperr.From(err)
	status := apperr.HTTPStatus(appErr.Kind)
	requestID := GetRequestID(c)

	fields := []any{
		"requestId", requestID,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", status,
		"err", err,
	}
	if appErr.Operational() {
		r.log.Warn(c.Request.Context(), appErr.Message, fields...)
	} else {
		r.log.Error(c.Request.Context(), "request failed", fields...)
	}

	message := appErr.Message
	if !appErr.Operational() {
		if r.production {
			message = internalErrorMessage
		} else {
			message = err.Error()
		}
	}

	c.AbortWithStatusJSON(status, model.ErrorResponse{
		Status:    "error",
		Message:   message,
		Code:      apperr.Code(appErr.Kind),
		Errors:    appErr.Fields,
		RequestID: requestID,
	})
}

func writeSuccess(c *gin.Context, status int, message string, user any) {
	if user == nil {
		c.JSON(status, model.StatusResponse{Status: "success", Message: message})
		return
	}
	c.JSON(status, model.AuthUserResponse{
		Status:  "success",
		Message: message,
		Data:    model.UserEnvelope{User: user},
	})
}
