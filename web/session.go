package web

import (
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	SessionCookie = "followbridge_session"
	SessionTTL    = 30 * 24 * time.Hour

	sessionContextKey = "followbridge.session"
)

// Session is the signed cookie state of a browser: who it has proven to be
// and the messages waiting to be shown.
type Session struct {
	Me      string
	Flashes []string
}

type sessionClaims struct {
	Me      string   `json:"indieauthed-me,omitempty"`
	Flashes []string `json:"flashes,omitempty"`
	jwt.RegisteredClaims
}

// Flash queues a message for the next page. Messages are HTML; callers
// escape anything user supplied.
func (s *Session) Flash(message string) {
	s.Flashes = append(s.Flashes, message)
}

// Sessions reads and writes the session cookie.
type Sessions struct {
	key    []byte
	secure bool
	now    func() time.Time
}

func NewSessions(secret []byte, origin string) (*Sessions, error) {
	key, err := deriveKey(secret, "session")
	if err != nil {
		return nil, err
	}
	return &Sessions{key: key, secure: strings.HasPrefix(origin, "https://"), now: time.Now}, nil
}

// Load returns the request's session. A missing or invalid cookie is an
// empty session. Within one request Load returns what was last saved.
func (s *Sessions) Load(c *gin.Context) *Session {
	if saved, ok := c.Get(sessionContextKey); ok {
		session := *saved.(*Session)
		session.Flashes = append([]string(nil), session.Flashes...)
		return &session
	}

	cookie, err := c.Cookie(SessionCookie)
	if err != nil || cookie == "" {
		return &Session{}
	}

	var claims sessionClaims
	_, err = jwt.ParseWithClaims(cookie, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return &Session{}
	}
	return &Session{Me: claims.Me, Flashes: claims.Flashes}
}

func (s *Sessions) Save(c *gin.Context, session *Session) error {
	claims := sessionClaims{
		Me:      session.Me,
		Flashes: session.Flashes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(s.now().Add(SessionTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return err
	}

	// only the last save of a request reaches the browser
	header := c.Writer.Header()
	var kept []string
	for _, v := range header.Values("Set-Cookie") {
		if !strings.HasPrefix(v, SessionCookie+"=") {
			kept = append(kept, v)
		}
	}
	header.Del("Set-Cookie")
	for _, v := range kept {
		header.Add("Set-Cookie", v)
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, token, int(SessionTTL.Seconds()), "/", "", s.secure, true)
	saved := *session
	c.Set(sessionContextKey, &saved)
	return nil
}

// PopFlashes returns and clears the queued messages.
func (s *Sessions) PopFlashes(c *gin.Context) []template.HTML {
	session := s.Load(c)
	if len(session.Flashes) == 0 {
		return nil
	}

	flashes := make([]template.HTML, 0, len(session.Flashes))
	for _, f := range session.Flashes {
		flashes = append(flashes, template.HTML(f))
	}
	session.Flashes = nil
	_ = s.Save(c, session)
	return flashes
}
