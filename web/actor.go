package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/deemkeen/followbridge/db"
	"github.com/deemkeen/followbridge/domain"
	"github.com/gin-gonic/gin"
)

const securityContext = "https://w3id.org/security/v1"

type action uint

const (
	actorIRI action = iota
	inboxIRI
	followingIRI
	homeIRI
)

func (s *Server) getIRI(userDomain string, action action) string {
	prefix := s.builder.UserURL(userDomain)
	switch action {
	case inboxIRI:
		return fmt.Sprintf("%s/inbox", prefix)
	case followingIRI:
		return s.builder.FollowingURL(userDomain)
	case homeIRI:
		return fmt.Sprintf("https://%s/", userDomain)
	case actorIRI:
		return prefix
	default:
		return ""
	}
}

// actorDocument is the Person other servers fetch to verify our signatures.
// The key id is the actor id, which is what requests are signed with.
func (s *Server) actorDocument(user *domain.User) activitypub.Document {
	actorID := s.getIRI(user.Domain, actorIRI)
	return activitypub.Document{
		"@context":          []interface{}{activitypub.ContextActivityStreams, securityContext},
		"id":                actorID,
		"type":              "Person",
		"preferredUsername": user.Domain,
		"name":              user.Domain,
		"url":               s.getIRI(user.Domain, homeIRI),
		"inbox":             s.getIRI(user.Domain, inboxIRI),
		"following":         s.getIRI(user.Domain, followingIRI),
		"attachment":        []interface{}{activitypub.LinkAttachment(s.getIRI(user.Domain, homeIRI))},
		"publicKey": map[string]interface{}{
			"id":           actorID,
			"owner":        actorID,
			"publicKeyPem": user.PublicKey,
		},
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
	}
}

func (s *Server) handleActor(c *gin.Context) {
	user, err := s.store.ReadUser(c.Request.Context(), c.Param("domain"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Type", activitypub.ContentType+"; charset=utf-8")
	c.JSON(http.StatusOK, s.actorDocument(user))
}

// handleInbox accepts whatever is delivered to a user. Incoming activities
// are not processed, but servers expect the inbox the actor advertises to
// exist.
func (s *Server) handleInbox(c *gin.Context) {
	userDomain := c.Param("domain")
	if _, err := s.store.ReadUser(c.Request.Context(), userDomain); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}
		s.fail(c, err)
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	doc, err := activitypub.ParseDocument(body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	s.log.Infof("Inbox: ignoring %v %s for %s", doc["type"], doc.Id(), userDomain)
	c.Status(http.StatusAccepted)
}
