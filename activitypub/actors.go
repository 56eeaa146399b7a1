package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/followbridge/db"
	"github.com/deemkeen/followbridge/domain"
	"github.com/deemkeen/followbridge/metrics"
	"github.com/deemkeen/followbridge/util"
	"go.uber.org/zap"
)

// maxActorBytes caps how much of a remote actor document we read.
const maxActorBytes = 1 << 20

// ActorStore is the part of the database the fetcher needs.
type ActorStore interface {
	ReadActor(ctx context.Context, id string) (*domain.Actor, error)
	UpsertActor(ctx context.Context, actor *domain.Actor) error
}

type ActorSource string

const (
	ActorCached  ActorSource = "cached"
	ActorFetched ActorSource = "fetched"
)

// ActorResult is a loaded actor and where it came from. Document is what
// goes into a Follow's object.
type ActorResult struct {
	Actor    *domain.Actor
	Document Document
	Source   ActorSource
}

// Fetcher loads actor profiles, reusing stored copies younger than ttl.
type Fetcher struct {
	store  ActorStore
	client *http.Client
	ttl    time.Duration
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewFetcher(store ActorStore, client *http.Client, ttl time.Duration, log *zap.SugaredLogger) *Fetcher {
	return &Fetcher{store: store, client: client, ttl: ttl, log: log, now: time.Now}
}

// Get returns the actor with the given id, which may be an address the
// actor document names differently. A stored actor is reused only
// if it has an inbox and was fetched within the ttl; otherwise the live
// document is fetched, signed by signer when it is not nil.
func (f *Fetcher) Get(ctx context.Context, id string, signer *Signer) (*ActorResult, error) {
	if result := f.cached(ctx, id); result != nil {
		metrics.ActorLookups.WithLabelValues(string(ActorCached)).Inc()
		return result, nil
	}

	result, err := f.Fetch(ctx, id, signer)
	if err != nil {
		metrics.ActorLookups.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.ActorLookups.WithLabelValues(string(ActorFetched)).Inc()
	return result, nil
}

func (f *Fetcher) cached(ctx context.Context, id string) *ActorResult {
	stored, err := f.store.ReadActor(ctx, id)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			f.log.Warnf("Actors: failed to read stored actor %s: %v", id, err)
		}
		return nil
	}

	if stored.InboxURI == "" || f.now().Sub(stored.FetchedAt) >= f.ttl {
		f.log.Debugf("Actors: stored copy of %s is stale, refetching", id)
		return nil
	}

	doc, err := ParseDocument([]byte(stored.Document))
	if err != nil {
		f.log.Warnf("Actors: stored document for %s is unreadable: %v", id, err)
		return nil
	}
	// a row stored under the address it was fetched from
	if canonical := doc.Id(); canonical != "" && canonical != stored.Id {
		actor := *stored
		actor.Id = canonical
		stored = &actor
	}
	return &ActorResult{Actor: stored, Document: RenderStoredActor(doc), Source: ActorCached}
}

// Fetch always goes to the network and stores what it gets.
func (f *Fetcher) Fetch(ctx context.Context, id string, signer *Signer) (*ActorResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", AcceptHeader)
	req.Header.Set("User-Agent", util.UserAgent())

	if signer != nil {
		if err := signer.Sign(req, nil); err != nil {
			return nil, err
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxActorBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	doc, err := ParseDocument(body)
	if err != nil {
		return nil, err
	}
	if doc.Inbox() == "" {
		return nil, fmt.Errorf("actor %s has no inbox", id)
	}

	actor := &domain.Actor{
		Id:          doc.Id(),
		Document:    string(body),
		InboxURI:    doc.Inbox(),
		ProfileURL:  doc.ProfileURL(),
		DisplayName: doc.DisplayName(),
		FetchedAt:   f.now().UTC(),
	}
	if actor.Id == "" {
		actor.Id = id
	}
	if actor.ProfileURL == "" {
		actor.ProfileURL = actor.Id
	}

	if err := f.store.UpsertActor(ctx, actor); err != nil {
		// the profile is still usable for this flow
		f.log.Warnf("Actors: failed to store %s: %v", actor.Id, err)
	}
	if id != actor.Id {
		alias := *actor
		alias.Id = id
		if err := f.store.UpsertActor(ctx, &alias); err != nil {
			f.log.Warnf("Actors: failed to store %s under %s: %v", actor.Id, id, err)
		}
	}

	f.log.Infof("Actors: fetched %s (inbox %s)", actor.Id, actor.InboxURI)
	return &ActorResult{Actor: actor, Document: doc, Source: ActorFetched}, nil
}
