package web

import (
	"errors"
	"fmt"
	"html"
	"net/http"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/deemkeen/followbridge/domain"
	"github.com/gin-gonic/gin"
)

// fail turns a flow error into a response. Validation problems are the
// caller's fault and get a plain 400; remote failures send the user back to
// their page with an explanation; anything else is ours.
func (s *Server) fail(c *gin.Context, err error) {
	var validation *domain.ValidationError
	var resolution *domain.ResolutionError
	var delivery *domain.DeliveryError

	switch {
	case errors.As(err, &validation):
		c.String(http.StatusBadRequest, validation.Error())
	case errors.As(err, &resolution):
		s.redirectWithFlash(c, activitypub.UserPage(resolution.Domain),
			fmt.Sprintf("Couldn't find ActivityPub profile for %s.", html.EscapeString(resolution.Address)))
	case errors.As(err, &delivery):
		s.redirectWithFlash(c, activitypub.UserPage(delivery.Domain),
			fmt.Sprintf("Couldn't deliver to %s: %s", html.EscapeString(delivery.Inbox), html.EscapeString(delivery.Err.Error())))
	default:
		s.log.Errorf("Web: %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.String(http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) redirectWithFlash(c *gin.Context, location, message string) {
	session := s.sessions.Load(c)
	session.Flash(message)
	if err := s.sessions.Save(c, session); err != nil {
		s.log.Warnf("Web: failed to save session: %v", err)
	}
	c.Redirect(http.StatusFound, location)
}

func badRequest(c *gin.Context, format string, args ...interface{}) {
	c.String(http.StatusBadRequest, format, args...)
}
