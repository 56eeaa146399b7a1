package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/deemkeen/followbridge/db"
	"github.com/deemkeen/followbridge/domain"
	"github.com/deemkeen/followbridge/follow"
	"github.com/deemkeen/followbridge/indieauth"
	"github.com/deemkeen/followbridge/util"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testOrigin   = "http://localhost"
	testEndpoint = "https://indieauth.example/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAuth struct {
	me       string
	err      error
	verified int
	verifier string
}

func (f *fakeAuth) DiscoverEndpoint(_ context.Context, _ string) string {
	return testEndpoint
}

func (f *fakeAuth) Verify(_ context.Context, _, code, _, _, codeVerifier string) (string, error) {
	if code == "" {
		return "", indieauth.ErrNoCode
	}
	f.verified++
	f.verifier = codeVerifier
	if f.err != nil {
		return "", f.err
	}
	return f.me, nil
}

type fakeDiscoverer struct {
	templates map[string]string
}

func (f *fakeDiscoverer) Discover(_ context.Context, address string) *activitypub.Resolution {
	return &activitypub.Resolution{Address: address, SubscribeTemplate: f.templates[address]}
}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, address string) *activitypub.Resolution {
	if address == "@foo@bar" {
		return &activitypub.Resolution{Address: address, ActorID: "https://bar/id"}
	}
	if activitypub.IsURL(address) {
		return &activitypub.Resolution{Address: address, ActorID: address}
	}
	return &activitypub.Resolution{Address: address, ActorID: address, Degraded: true}
}

// fakeActors stores what it returns, like the real fetcher does.
type fakeActors struct {
	store *db.DB
}

func (f fakeActors) Get(ctx context.Context, id string, _ *activitypub.Signer) (*activitypub.ActorResult, error) {
	if id != "https://bar/id" {
		return nil, errors.New("actor fetch failed with status: 404")
	}
	actor := &domain.Actor{
		Id:         "https://bar/id",
		InboxURI:   "http://bar/inbox",
		ProfileURL: "https://bar/url",
	}
	if err := f.store.UpsertActor(ctx, actor); err != nil {
		return nil, err
	}
	return &activitypub.ActorResult{
		Actor: actor,
		Document: activitypub.Document{
			"type":  "Person",
			"id":    "https://bar/id",
			"url":   "https://bar/url",
			"inbox": "http://bar/inbox",
		},
		Source: activitypub.ActorFetched,
	}, nil
}

type fakeDelivery struct {
	sent []activitypub.Document
}

func (f *fakeDelivery) Deliver(_ context.Context, doc activitypub.Document, _ string, _ *activitypub.Signer) error {
	f.sent = append(f.sent, doc)
	return nil
}

type harness struct {
	store      *db.DB
	auth       *fakeAuth
	discoverer *fakeDiscoverer
	delivery   *fakeDelivery
	server     *Server
	router     *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop().Sugar()

	store, err := db.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conf := &util.AppConfig{}
	conf.Conf.Origin = testOrigin
	conf.Conf.Secret = "test secret"

	h := &harness{
		store:      store,
		auth:       &fakeAuth{me: "https://alice.com/"},
		discoverer: &fakeDiscoverer{templates: map[string]string{}},
		delivery:   &fakeDelivery{},
	}
	flows := follow.NewService(store, fakeResolver{}, fakeActors{store: store}, h.delivery, activitypub.Builder{Origin: testOrigin}, log)
	h.server, err = NewServer(conf, store, flows, h.discoverer, h.auth, log)
	require.NoError(t, err)
	h.router, err = h.server.Router()
	require.NoError(t, err)
	return h
}

func (h *harness) addUser(t *testing.T, userDomain string) {
	t.Helper()
	keys, err := util.GeneratePemKeypair(1024)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateUser(context.Background(), &domain.User{
		Domain:     userDomain,
		PublicKey:  keys.Public,
		PrivateKey: keys.Private,
	}))
}

func (h *harness) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) get(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	return h.do(httptest.NewRequest(http.MethodGet, path, nil), cookies...)
}

func (h *harness) postForm(path string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(req, cookies...)
}

// session decodes the session cookie a response set.
func (h *harness) session(t *testing.T, w *httptest.ResponseRecorder) (*Session, *http.Cookie) {
	t.Helper()
	cookie := sessionCookie(w)
	require.NotNil(t, cookie, "no session cookie set")

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.AddCookie(cookie)
	return h.server.sessions.Load(c), cookie
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == SessionCookie {
			return cookie
		}
	}
	return nil
}
