package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/deemkeen/followbridge/db"
	"github.com/deemkeen/followbridge/follow"
	"github.com/deemkeen/followbridge/metrics"
	"github.com/deemkeen/followbridge/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

//go:embed templates/*.html
var templateFS embed.FS

// Discoverer finds remote follow templates.
type Discoverer interface {
	Discover(ctx context.Context, address string) *activitypub.Resolution
}

// Authenticator is the IndieAuth capability: where to send a user and how
// to check what they come back with.
type Authenticator interface {
	DiscoverEndpoint(ctx context.Context, me string) string
	Verify(ctx context.Context, endpoint, code, clientID, redirectURI, codeVerifier string) (string, error)
}

// Server holds the HTTP surface and what it needs.
type Server struct {
	conf       *util.AppConfig
	store      *db.DB
	flows      *follow.Service
	discoverer Discoverer
	auth       Authenticator
	states     *StateBag
	sessions   *Sessions
	builder    activitypub.Builder
	log        *zap.SugaredLogger
	now        func() time.Time
}

func NewServer(conf *util.AppConfig, store *db.DB, flows *follow.Service, discoverer Discoverer, auth Authenticator, log *zap.SugaredLogger) (*Server, error) {
	secret := []byte(conf.Conf.Secret)
	if len(secret) == 0 {
		log.Warnf("Web: no secret configured, sessions will not survive a restart")
		random, err := randomSecret()
		if err != nil {
			return nil, err
		}
		secret = random
	}

	states, err := NewStateBag(secret)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessions(secret, conf.Conf.Origin)
	if err != nil {
		return nil, err
	}

	return &Server{
		conf:       conf,
		store:      store,
		flows:      flows,
		discoverer: discoverer,
		auth:       auth,
		states:     states,
		sessions:   sessions,
		builder:    activitypub.Builder{Origin: conf.Conf.Origin},
		log:        log,
		now:        time.Now,
	}, nil
}

// Router builds the gin engine with every route.
func (s *Server) Router() (*gin.Engine, error) {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	g.SetHTMLTemplate(tmpl)

	// Login and federation endpoints get a stricter limit
	flowLimiter := NewRateLimiter(rate.Limit(2), 10)
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/", s.handleIndex)
	g.GET("/activities", s.handleActivities)

	g.POST("/remote-follow", RateLimitMiddleware(flowLimiter), s.handleRemoteFollow)
	g.POST("/follow/start", RateLimitMiddleware(flowLimiter), s.handleFollowStart)
	g.GET("/follow/callback", RateLimitMiddleware(flowLimiter), s.handleFollowCallback)
	g.POST("/unfollow/start", RateLimitMiddleware(flowLimiter), s.handleUnfollowStart)
	g.GET("/unfollow/callback", RateLimitMiddleware(flowLimiter), s.handleUnfollowCallback)

	g.GET("/web/:domain", s.handleUser)
	g.GET("/web/:domain/following", s.handleFollowing)
	g.GET("/web/:domain/feed", s.handleFeed)

	g.GET("/.well-known/webfinger", s.handleWebFinger)
	g.GET("/:domain", s.handleActor)
	g.POST("/:domain/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.handleInbox)

	if s.conf.Conf.WithMetrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	return g, nil
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	router, err := s.Router()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infof("Web: listening on %s as %s", addr, s.conf.Conf.Origin)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Infof("Web: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) clientID() string {
	return s.conf.Conf.Origin + "/"
}

func (s *Server) redirectURI(flow follow.Kind) string {
	return fmt.Sprintf("%s/%s/callback", s.conf.Conf.Origin, flow)
}
