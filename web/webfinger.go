package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/deemkeen/followbridge/db"
	"github.com/gin-gonic/gin"
)

const profilePageRel = "http://webfinger.net/rel/profile-page"

// webFingerDomain maps a resource onto a user domain. It accepts
// acct:domain@host, the actor URL and the user's home page.
func (s *Server) webFingerDomain(resource string) string {
	resource = strings.TrimSpace(resource)
	if acct, ok := strings.CutPrefix(resource, "acct:"); ok {
		user, _, ok := activitypub.ParseHandle(acct)
		if !ok {
			return ""
		}
		return user
	}

	prefix := s.builder.UserURL("")
	if rest, ok := strings.CutPrefix(resource, prefix); ok {
		return strings.TrimSuffix(rest, "/")
	}
	if rest, ok := strings.CutPrefix(resource, "https://"); ok {
		return strings.TrimSuffix(rest, "/")
	}
	return ""
}

func (s *Server) webFinger(userDomain string) *activitypub.WebFinger {
	actorID := s.getIRI(userDomain, actorIRI)
	home := s.getIRI(userDomain, homeIRI)
	return &activitypub.WebFinger{
		Subject: fmt.Sprintf("acct:%s@%s", userDomain, userDomain),
		Aliases: []string{actorID, home},
		Links: []activitypub.Link{
			{Rel: "self", Type: activitypub.ContentType, Href: actorID},
			{Rel: profilePageRel, Type: "text/html", Href: home},
		},
	}
}

func (s *Server) handleWebFinger(c *gin.Context) {
	userDomain := s.webFingerDomain(c.Query("resource"))
	if userDomain == "" {
		c.Data(http.StatusNotFound, "application/json; charset=utf-8", []byte(GetWebFingerNotFound()))
		return
	}

	user, err := s.store.ReadUser(c.Request.Context(), userDomain)
	if errors.Is(err, db.ErrNotFound) {
		c.Data(http.StatusNotFound, "application/json; charset=utf-8", []byte(GetWebFingerNotFound()))
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, s.webFinger(user.Domain))
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
