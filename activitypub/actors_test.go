package activitypub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/followbridge/db"
	"github.com/deemkeen/followbridge/domain"
	"go.uber.org/zap"
)

func setupTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:", zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// actorServer serves doc as an AS2 actor and counts requests.
func actorServer(t *testing.T, status int, doc interface{}) (*httptest.Server, *int32, *http.Header) {
	t.Helper()
	var hits int32
	var lastHeader http.Header
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		lastHeader = r.Header.Clone()
		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		w.Header().Set("Content-Type", ContentType)
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, &lastHeader
}

func TestFetcherFetchesAndStores(t *testing.T) {
	store := setupTestStore(t)
	srv, hits, header := actorServer(t, http.StatusOK, testFollowee)
	fetcher := NewFetcher(store, srv.Client(), time.Hour, zap.NewNop().Sugar())
	ctx := context.Background()

	result, err := fetcher.Get(ctx, srv.URL+"/actor", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.Source != ActorFetched {
		t.Errorf("Expected fetched, got %s", result.Source)
	}
	if result.Actor.Id != "https://bar/id" {
		t.Errorf("Expected id from document, got %s", result.Actor.Id)
	}
	if result.Actor.InboxURI != "http://bar/inbox" {
		t.Errorf("Unexpected inbox %s", result.Actor.InboxURI)
	}
	if result.Actor.ProfileURL != "https://bar/url" {
		t.Errorf("Unexpected profile url %s", result.Actor.ProfileURL)
	}
	if result.Document.String("url") != "https://bar/url" || result.Document["attachment"] != nil {
		t.Errorf("Expected fetched document as served, got %v", result.Document)
	}
	if atomic.LoadInt32(hits) != 1 {
		t.Errorf("Expected 1 request, got %d", atomic.LoadInt32(hits))
	}
	if accept := (*header).Get("Accept"); accept != AcceptHeader {
		t.Errorf("Unexpected Accept header %s", accept)
	}

	stored, err := store.ReadActor(ctx, "https://bar/id")
	if err != nil {
		t.Fatalf("Expected actor to be stored: %v", err)
	}
	if stored.InboxURI != "http://bar/inbox" {
		t.Errorf("Unexpected stored inbox %s", stored.InboxURI)
	}
}

func TestFetcherReusesFreshStoredActor(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	raw, _ := json.Marshal(testFollowee)
	store.UpsertActor(ctx, &domain.Actor{
		Id:        "https://bar/id",
		Document:  string(raw),
		InboxURI:  "http://bar/inbox",
		FetchedAt: time.Now().UTC(),
	})

	srv, hits, _ := actorServer(t, http.StatusOK, testFollowee)
	fetcher := NewFetcher(store, srv.Client(), time.Hour, zap.NewNop().Sugar())

	result, err := fetcher.Get(ctx, "https://bar/id", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.Source != ActorCached {
		t.Errorf("Expected cached, got %s", result.Source)
	}
	if atomic.LoadInt32(hits) != 0 {
		t.Error("Expected no network request for a fresh stored actor")
	}

	attachments := result.Document.Attachments()
	if len(attachments) != 1 || attachments[0]["name"] != "Link" {
		t.Errorf("Expected synthesized Link attachment, got %v", result.Document["attachment"])
	}
}

func TestFetcherReusesActorStoredUnderRequestedId(t *testing.T) {
	store := setupTestStore(t)
	srv, hits, _ := actorServer(t, http.StatusOK, testFollowee)
	fetcher := NewFetcher(store, srv.Client(), time.Hour, zap.NewNop().Sugar())
	ctx := context.Background()

	first, err := fetcher.Get(ctx, srv.URL+"/actor", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	second, err := fetcher.Get(ctx, srv.URL+"/actor", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if first.Source != ActorFetched || second.Source != ActorCached {
		t.Errorf("Expected fetched then cached, got %s then %s", first.Source, second.Source)
	}
	if atomic.LoadInt32(hits) != 1 {
		t.Errorf("Expected 1 request, got %d", atomic.LoadInt32(hits))
	}
	if second.Actor.Id != "https://bar/id" {
		t.Errorf("Expected the document id, got %s", second.Actor.Id)
	}
	if second.Actor.InboxURI != "http://bar/inbox" {
		t.Errorf("Unexpected inbox %s", second.Actor.InboxURI)
	}

	third, err := fetcher.Get(ctx, "https://bar/id", nil)
	if err != nil || third.Source != ActorCached {
		t.Errorf("Expected the document id to hit the store too, got %v, %v", third, err)
	}
}

// selfServer serves an actor whose id is its own URL, with the given inbox.
func selfServer(t *testing.T, inbox string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	var srv *httptest.Server
	srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(Document{"id": srv.URL + "/actor", "inbox": inbox})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetcherRefetchesStaleActor(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	srv, hits := selfServer(t, "http://bar/new-inbox")
	id := srv.URL + "/actor"

	store.UpsertActor(ctx, &domain.Actor{
		Id:        id,
		Document:  `{"id":"` + id + `","inbox":"http://bar/old-inbox"}`,
		InboxURI:  "http://bar/old-inbox",
		FetchedAt: time.Now().Add(-2 * time.Hour).UTC(),
	})

	fetcher := NewFetcher(store, srv.Client(), time.Hour, zap.NewNop().Sugar())
	result, err := fetcher.Get(ctx, id, nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.Source != ActorFetched {
		t.Errorf("Expected stale actor to be refetched, got %s", result.Source)
	}
	if result.Actor.InboxURI != "http://bar/new-inbox" {
		t.Errorf("Expected new inbox, got %s", result.Actor.InboxURI)
	}
	if atomic.LoadInt32(hits) != 1 {
		t.Errorf("Expected 1 request, got %d", atomic.LoadInt32(hits))
	}

	stored, _ := store.ReadActor(ctx, id)
	if stored.InboxURI != "http://bar/new-inbox" {
		t.Errorf("Expected stored copy to be refreshed, got %s", stored.InboxURI)
	}
}

func TestFetcherRefetchesStoredActorWithoutInbox(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	srv, hits := selfServer(t, "http://bar/inbox")
	id := srv.URL + "/actor"

	store.UpsertActor(ctx, &domain.Actor{Id: id, Document: `{"id":"` + id + `"}`, FetchedAt: time.Now().UTC()})

	fetcher := NewFetcher(store, srv.Client(), time.Hour, zap.NewNop().Sugar())
	result, err := fetcher.Get(ctx, id, nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.Source != ActorFetched || atomic.LoadInt32(hits) != 1 {
		t.Errorf("Expected a live fetch, got %s after %d requests", result.Source, atomic.LoadInt32(hits))
	}
}

func TestFetcherFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		doc    interface{}
	}{
		{"not found", http.StatusNotFound, nil},
		{"server error", http.StatusInternalServerError, nil},
		{"no inbox", http.StatusOK, Document{"id": "https://bar/id", "type": "Person"}},
		{"not an object", http.StatusOK, []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			srv, _, _ := actorServer(t, tt.status, tt.doc)
			fetcher := NewFetcher(store, srv.Client(), time.Hour, zap.NewNop().Sugar())

			if _, err := fetcher.Get(context.Background(), srv.URL+"/actor", nil); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestFetcherSignsRequests(t *testing.T) {
	store := setupTestStore(t)
	privateKey, publicPEM := generateTestKeyPair(t)
	signer := &Signer{KeyID: "http://localhost/alice.com", Key: privateKey}

	var verified string
	var verifyErr error
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verified, verifyErr = VerifyRequest(r, publicPEM)
		json.NewEncoder(w).Encode(testFollowee)
	}))
	defer srv.Close()

	fetcher := NewFetcher(store, srv.Client(), time.Hour, zap.NewNop().Sugar())
	if _, err := fetcher.Get(context.Background(), srv.URL+"/actor", signer); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if verifyErr != nil {
		t.Fatalf("Signature did not verify: %v", verifyErr)
	}
	if verified != "http://localhost/alice.com" {
		t.Errorf("Expected keyId http://localhost/alice.com, got %s", verified)
	}
}

func TestFetcherMissingIdFallsBackToURL(t *testing.T) {
	store := setupTestStore(t)
	srv, _, _ := actorServer(t, http.StatusOK, Document{"inbox": "http://bar/inbox"})
	fetcher := NewFetcher(store, srv.Client(), time.Hour, zap.NewNop().Sugar())

	result, err := fetcher.Get(context.Background(), srv.URL+"/actor", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.Actor.Id != srv.URL+"/actor" {
		t.Errorf("Expected requested url as id, got %s", result.Actor.Id)
	}
}
