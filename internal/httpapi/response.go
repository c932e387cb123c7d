package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brightfield-labs/scraperd/internal/platform/apierr"
	"github.com/brightfield-labs/scraperd/internal/platform/ctxutil"
)

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error     apiError `json:"error"`
	TraceID   string   `json:"trace_id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// respondOK writes payload as the 200 response body.
func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// respondError writes a structured error envelope. If err is an
// *apierr.Error its Status/Code drive the response; otherwise status and
// code are taken from the caller.
func respondError(c *gin.Context, status int, code string, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		if ae.Status != 0 {
			status = ae.Status
		}
		if ae.Code != "" {
			code = ae.Code
		}
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	td := ctxutil.GetTraceData(c.Request.Context())
	env := errorEnvelope{Error: apiError{Message: msg, Code: code}}
	if td != nil {
		env.TraceID = td.TraceID
		env.RequestID = td.RequestID
	}
	c.JSON(status, env)
}
