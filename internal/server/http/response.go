package http

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	errs "runcore/internal/errors"
	"runcore/internal/task"
)

type apiErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// sessionParam reads and validates the :id path parameter, answering 400
// when it is malformed.
func (s *Server) sessionParam(c *gin.Context) (string, bool) {
	sessionID := c.Param("id")
	if !sessionIDPattern.MatchString(sessionID) {
		s.writeJSONError(c, http.StatusBadRequest, "invalid session id", errs.ErrInvalidSession)
		return "", false
	}
	return sessionID, true
}

// writeError maps err onto a status code.
func (s *Server) writeError(c *gin.Context, message string, err error) {
	var validation *errs.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation), errors.Is(err, errs.ErrInvalidSession):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrToolNotFound), errors.Is(err, errs.ErrSessionNotFound), errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	s.writeJSONError(c, status, message, err)
}

func (s *Server) writeJSONError(c *gin.Context, status int, message string, err error) {
	resp := apiErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("HTTP %d - %s: %v", status, message, err)
	} else {
		s.logger.Warn("HTTP %d - %s: %v", status, message, err)
	}
	c.AbortWithStatusJSON(status, resp)
}
