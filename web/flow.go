package web

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/deemkeen/followbridge/db"
	"github.com/deemkeen/followbridge/domain"
	"github.com/deemkeen/followbridge/follow"
	"github.com/deemkeen/followbridge/indieauth"
	"github.com/gin-gonic/gin"
)

// formValue reads key from the query string, then from the posted form.
func formValue(c *gin.Context, key string) string {
	if value := strings.TrimSpace(c.Query(key)); value != "" {
		return value
	}
	return strings.TrimSpace(c.PostForm(key))
}

// handleRemoteFollow sends someone on another server to their own server's
// follow page for one of our users.
func (s *Server) handleRemoteFollow(c *gin.Context) {
	ctx := follow.WithFlowID(c.Request.Context(), follow.NewFlowID())
	address := formValue(c, "address")
	userDomain := formValue(c, "domain")
	protocol := formValue(c, "protocol")
	follow.Enter(ctx, s.log, follow.KindRemoteFollow, follow.StateStart, address)

	switch {
	case address == "":
		badRequest(c, "missing address")
		return
	case userDomain == "":
		badRequest(c, "missing domain")
		return
	case protocol == "":
		badRequest(c, "missing protocol")
		return
	case protocol != activitypub.Protocol:
		badRequest(c, "unknown protocol %q", protocol)
		return
	}

	if _, err := s.store.ReadUser(ctx, userDomain); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			badRequest(c, "no user found for domain %s", userDomain)
			return
		}
		s.fail(c, err)
		return
	}

	follow.Enter(ctx, s.log, follow.KindRemoteFollow, follow.StateResolving, address)
	resolution := s.discoverer.Discover(ctx, address)
	if resolution.SubscribeTemplate == "" {
		follow.Enter(ctx, s.log, follow.KindRemoteFollow, follow.StateFailed, "no subscribe template")
		s.redirectWithFlash(c, activitypub.UserPage(userDomain),
			fmt.Sprintf("Couldn't find remote follow link for %s", html.EscapeString(address)))
		return
	}

	handle := fmt.Sprintf("@%s@%s", userDomain, userDomain)
	location := strings.ReplaceAll(resolution.SubscribeTemplate, "{uri}", url.PathEscape(handle))
	follow.Enter(ctx, s.log, follow.KindRemoteFollow, follow.StateCommitted, location)
	c.Redirect(http.StatusFound, location)
}

func (s *Server) handleFollowStart(c *gin.Context) {
	s.start(c, follow.KindFollow, "address")
}

func (s *Server) handleUnfollowStart(c *gin.Context) {
	s.start(c, follow.KindUnfollow, "key")
}

func (s *Server) handleFollowCallback(c *gin.Context) {
	s.callback(c, follow.KindFollow)
}

func (s *Server) handleUnfollowCallback(c *gin.Context) {
	s.callback(c, follow.KindUnfollow)
}

// start validates the form, then either runs the flow right away for a
// browser that already proved it is me, or sends it to IndieAuth.
func (s *Server) start(c *gin.Context, kind follow.Kind, targetField string) {
	state := &AuthState{
		Flow:    kind,
		FlowID:  follow.NewFlowID(),
		Me:      formValue(c, "me"),
		Target:  formValue(c, targetField),
		Started: s.now(),
	}
	ctx := follow.WithFlowID(c.Request.Context(), state.FlowID)
	follow.Enter(ctx, s.log, kind, follow.StateStart, state.Target)

	if state.Me == "" {
		badRequest(c, "missing me")
		return
	}
	if state.Target == "" {
		badRequest(c, "missing %s", targetField)
		return
	}
	me, err := indieauth.Canonicalize(state.Me)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	state.Me = me

	if session := s.sessions.Load(c); indieauth.SameIdentity(session.Me, me) {
		s.log.Debugf("Web: %s is already logged in", me)
		s.run(ctx, c, state)
		return
	}

	s.authenticate(ctx, c, state)
}

// authenticate redirects to the user's authorization endpoint with the
// signed state.
func (s *Server) authenticate(ctx context.Context, c *gin.Context, state *AuthState) {
	state.Endpoint = s.auth.DiscoverEndpoint(ctx, state.Me)
	token, err := s.states.Encode(state)
	if err != nil {
		s.fail(c, err)
		return
	}

	location, err := indieauth.AuthorizationURL(state.Endpoint, indieauth.AuthRequest{
		Me:           state.Me,
		ClientID:     s.clientID(),
		RedirectURI:  s.redirectURI(state.Flow),
		State:        token,
		CodeVerifier: s.states.Verifier(state.FlowID),
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	follow.Enter(ctx, s.log, state.Flow, follow.StateAuthPending, state.Endpoint)
	c.Redirect(http.StatusFound, location)
}

func (s *Server) callback(c *gin.Context, kind follow.Kind) {
	state, err := s.states.Decode(c.Query("state"), kind)
	if err != nil {
		s.log.Infof("Web: rejecting %s callback: %v", kind, err)
		badRequest(c, "invalid state, please start again")
		return
	}
	ctx := follow.WithFlowID(c.Request.Context(), state.FlowID)
	follow.Enter(ctx, s.log, kind, follow.StateAuthCallback, state.Endpoint)

	me, err := s.auth.Verify(ctx, state.Endpoint, c.Query("code"), s.clientID(), s.redirectURI(kind), state.CodeVerifier)
	if errors.Is(err, indieauth.ErrNoCode) {
		follow.Enter(ctx, s.log, kind, follow.StateFailed, "login cancelled")
		s.redirectWithFlash(c, "/", "Login cancelled.")
		return
	}
	if err != nil {
		follow.Enter(ctx, s.log, kind, follow.StateFailed, err.Error())
		badRequest(c, "IndieAuth verification failed: %v", err)
		return
	}

	if !indieauth.SameIdentity(me, state.Me) {
		mismatch := &domain.IdentityMismatchError{Claimed: state.Me, Verified: me}
		s.log.Infof("Web: %v, authenticating again", mismatch)
		s.authenticate(ctx, c, state)
		return
	}

	session := s.sessions.Load(c)
	session.Me = me
	if err := s.sessions.Save(c, session); err != nil {
		s.fail(c, err)
		return
	}

	s.run(ctx, c, state)
}

// run executes the authenticated part of the flow and answers with the
// result page redirect.
func (s *Server) run(ctx context.Context, c *gin.Context, state *AuthState) {
	userDomain, err := indieauth.Domain(state.Me)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}

	var result *follow.Result
	switch state.Flow {
	case follow.KindFollow:
		result, err = s.flows.Follow(ctx, userDomain, state.Target, state.Started)
	case follow.KindUnfollow:
		result, err = s.flows.Unfollow(ctx, userDomain, state.Target, state.Started)
	default:
		err = fmt.Errorf("unknown flow %q", state.Flow)
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	s.redirectWithFlash(c, result.Redirect, result.Message)
}
