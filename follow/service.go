package follow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/deemkeen/followbridge/db"
	"github.com/deemkeen/followbridge/domain"
	"github.com/deemkeen/followbridge/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the part of the database the flows use.
type Store interface {
	ResolveUser(ctx context.Context, userDomain string) (*domain.User, error)
	ReadActor(ctx context.Context, id string) (*domain.Actor, error)
	ReadActivity(ctx context.Context, id string) (*domain.Activity, error)
	ReadFollower(ctx context.Context, id uuid.UUID) (*domain.Follower, error)
	CommitFollow(ctx context.Context, activity *domain.Activity, follower *domain.Follower) (*domain.Follower, error)
	CommitUndo(ctx context.Context, activity *domain.Activity, followerId uuid.UUID) error
	RecordFailedActivity(ctx context.Context, activity *domain.Activity) error
}

type Resolver interface {
	Resolve(ctx context.Context, address string) *activitypub.Resolution
}

type ActorGetter interface {
	Get(ctx context.Context, id string, signer *activitypub.Signer) (*activitypub.ActorResult, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, activity activitypub.Document, inbox string, signer *activitypub.Signer) error
}

// Result is what a committed flow tells the user: a flash message and where
// to go next.
type Result struct {
	Domain   string // terminal user
	Redirect string
	Message  string
	Activity *domain.Activity
	Follower *domain.Follower
}

// Service runs the resolve, deliver and commit part of follow and unfollow
// for an already authenticated user.
type Service struct {
	store    Store
	resolver Resolver
	actors   ActorGetter
	delivery Deliverer
	builder  activitypub.Builder
	log      *zap.SugaredLogger
}

func NewService(store Store, resolver Resolver, actors ActorGetter, delivery Deliverer, builder activitypub.Builder, log *zap.SugaredLogger) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		actors:   actors,
		delivery: delivery,
		builder:  builder,
		log:      log,
	}
}

// LookupUser returns the user that acts for userDomain after following
// use_instead. An unknown domain is a ValidationError.
func (s *Service) LookupUser(ctx context.Context, userDomain string) (*domain.User, error) {
	user, err := s.store.ResolveUser(ctx, userDomain)
	if errors.Is(err, db.ErrNotFound) {
		return nil, &domain.ValidationError{Field: "me", Message: fmt.Sprintf("no user found for domain %s", userDomain)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userDomain, err)
	}
	return user, nil
}

// Follow makes userDomain follow the actor at address. started fixes the
// activity id, so retrying with the same value targets the same activity.
func (s *Service) Follow(ctx context.Context, userDomain, address string, started time.Time) (*Result, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, s.fail(ctx, KindFollow, &domain.ValidationError{Field: "address", Message: "missing address"})
	}

	user, err := s.LookupUser(ctx, userDomain)
	if err != nil {
		return nil, s.fail(ctx, KindFollow, err)
	}
	signer, err := s.signer(user)
	if err != nil {
		return nil, s.fail(ctx, KindFollow, err)
	}

	Enter(ctx, s.log, KindFollow, StateResolving, address)
	resolution := s.resolver.Resolve(ctx, address)
	if !activitypub.IsURL(resolution.ActorID) {
		return nil, s.fail(ctx, KindFollow, &domain.ResolutionError{
			Domain:  user.Domain,
			Address: address,
			Err:     errors.New("no ActivityPub actor found"),
		})
	}

	followee, err := s.actors.Get(ctx, resolution.ActorID, signer)
	if err != nil {
		return nil, s.fail(ctx, KindFollow, &domain.ResolutionError{Domain: user.Domain, Address: address, Err: err})
	}

	Enter(ctx, s.log, KindFollow, StateDelivering, followee.Actor.InboxURI)
	doc := s.builder.Follow(user.Domain, started, address, followee.Document)
	activity, err := newActivity(doc, user.Key(), followee.Actor.Key())
	if err != nil {
		return nil, s.fail(ctx, KindFollow, err)
	}

	if err := s.delivery.Deliver(ctx, doc, followee.Actor.InboxURI, signer); err != nil {
		s.recordFailed(ctx, activity)
		return nil, s.fail(ctx, KindFollow, &domain.DeliveryError{Domain: user.Domain, Inbox: followee.Actor.InboxURI, Err: err})
	}

	follower, err := s.store.CommitFollow(ctx, activity, &domain.Follower{
		From: user.Domain,
		To:   followee.Actor.Id,
	})
	if err != nil {
		return nil, s.fail(ctx, KindFollow, fmt.Errorf("failed to store follow: %w", err))
	}

	Enter(ctx, s.log, KindFollow, StateCommitted, activity.Id)
	return &Result{
		Domain:   user.Domain,
		Redirect: activitypub.FollowingPage(user.Domain),
		Message:  fmt.Sprintf(`Followed <a href="%s">%s</a>.`, html.EscapeString(profileURL(followee.Actor)), html.EscapeString(address)),
		Activity: activity,
		Follower: follower,
	}, nil
}

// Unfollow undoes the follow edge identified by key, which must belong to
// userDomain or to the user it defers to.
func (s *Service) Unfollow(ctx context.Context, userDomain, key string, started time.Time) (*Result, error) {
	followerId, err := uuid.Parse(strings.TrimSpace(key))
	if err != nil {
		return nil, s.fail(ctx, KindUnfollow, &domain.ValidationError{Field: "key", Message: fmt.Sprintf("invalid key %q", key)})
	}

	user, err := s.LookupUser(ctx, userDomain)
	if err != nil {
		return nil, s.fail(ctx, KindUnfollow, err)
	}
	signer, err := s.signer(user)
	if err != nil {
		return nil, s.fail(ctx, KindUnfollow, err)
	}

	Enter(ctx, s.log, KindUnfollow, StateResolving, followerId.String())
	follower, err := s.store.ReadFollower(ctx, followerId)
	if errors.Is(err, db.ErrNotFound) {
		return nil, s.fail(ctx, KindUnfollow, &domain.ValidationError{Field: "key", Message: fmt.Sprintf("no follow found for key %s", followerId)})
	}
	if err != nil {
		return nil, s.fail(ctx, KindUnfollow, fmt.Errorf("failed to load follower: %w", err))
	}
	if follower.From != userDomain && follower.From != user.Domain {
		return nil, s.fail(ctx, KindUnfollow, &domain.ValidationError{Field: "key", Message: fmt.Sprintf("%s does not follow with key %s", userDomain, followerId)})
	}

	followee, err := s.followee(ctx, follower.To, signer)
	if err != nil {
		return nil, s.fail(ctx, KindUnfollow, &domain.ResolutionError{Domain: user.Domain, Address: follower.To, Err: err})
	}

	followObject, err := s.followObject(ctx, follower)
	if err != nil {
		return nil, s.fail(ctx, KindUnfollow, err)
	}

	Enter(ctx, s.log, KindUnfollow, StateDelivering, followee.InboxURI)
	doc := s.builder.Undo(user.Domain, started, followee.Id, followObject)
	activity, err := newActivity(doc, user.Key(), followee.Key())
	if err != nil {
		return nil, s.fail(ctx, KindUnfollow, err)
	}

	if err := s.delivery.Deliver(ctx, doc, followee.InboxURI, signer); err != nil {
		s.recordFailed(ctx, activity)
		return nil, s.fail(ctx, KindUnfollow, &domain.DeliveryError{Domain: user.Domain, Inbox: followee.InboxURI, Err: err})
	}

	if err := s.store.CommitUndo(ctx, activity, follower.Id); err != nil {
		return nil, s.fail(ctx, KindUnfollow, fmt.Errorf("failed to store undo: %w", err))
	}
	follower.Status = domain.FollowerInactive

	Enter(ctx, s.log, KindUnfollow, StateCommitted, activity.Id)
	link := profileURL(followee)
	return &Result{
		Domain:   user.Domain,
		Redirect: activitypub.FollowingPage(user.Domain),
		Message:  fmt.Sprintf(`Unfollowed <a href="%s">%s</a>.`, html.EscapeString(link), html.EscapeString(util.PrettyLink(link))),
		Activity: activity,
		Follower: follower,
	}, nil
}

// followee prefers the stored actor when it has an inbox. The Undo must go
// where the Follow went, so age does not matter here.
func (s *Service) followee(ctx context.Context, id string, signer *activitypub.Signer) (*domain.Actor, error) {
	stored, err := s.store.ReadActor(ctx, id)
	if err == nil && stored.InboxURI != "" {
		return stored, nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.log.Warnf("Follow: failed to read stored actor %s: %v", id, err)
	}

	result, err := s.actors.Get(ctx, id, signer)
	if err != nil {
		return nil, err
	}
	return result.Actor, nil
}

// followObject is the stored Follow document. When it is gone or unreadable
// an equivalent Follow is rebuilt from the edge, keeping the original id if
// there is one, so the Undo never points at the followee itself.
func (s *Service) followObject(ctx context.Context, follower *domain.Follower) (activitypub.Document, error) {
	if follower.Follow == "" {
		return s.rebuiltFollow(follower), nil
	}

	activity, err := s.store.ReadActivity(ctx, follower.Follow)
	if errors.Is(err, db.ErrNotFound) {
		return s.rebuiltFollow(follower), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load follow activity: %w", err)
	}

	doc, err := activitypub.ParseDocument([]byte(activity.Document))
	if err != nil {
		s.log.Warnf("Follow: stored follow %s is unreadable, rebuilding it: %v", activity.Id, err)
		return s.rebuiltFollow(follower), nil
	}
	return doc, nil
}

func (s *Service) rebuiltFollow(follower *domain.Follower) activitypub.Document {
	doc := activitypub.Document{
		"type":   "Follow",
		"actor":  s.builder.UserURL(follower.From),
		"object": follower.To,
	}
	if follower.Follow != "" {
		doc["id"] = follower.Follow
	}
	return doc
}

func (s *Service) signer(user *domain.User) (*activitypub.Signer, error) {
	signer, err := activitypub.NewSigner(s.builder.UserURL(user.Domain), user.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key for %s: %w", user.Domain, err)
	}
	return signer, nil
}

func (s *Service) recordFailed(ctx context.Context, activity *domain.Activity) {
	if err := s.store.RecordFailedActivity(ctx, activity); err != nil {
		s.log.Errorf("Follow: failed to record failed activity %s: %v", activity.Id, err)
	}
}

func (s *Service) fail(ctx context.Context, kind Kind, err error) error {
	Enter(ctx, s.log, kind, StateFailed, err.Error())
	return err
}

func newActivity(doc activitypub.Document, users ...string) (*domain.Activity, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode activity: %w", err)
	}
	activityType, _ := doc["type"].(string)
	return &domain.Activity{
		Id:           doc.Id(),
		ActivityType: activityType,
		Document:     string(raw),
		Status:       domain.ActivityPending,
		Labels:       []string{domain.LabelUser, domain.LabelActivity},
		Users:        users,
		Source:       domain.SourceUI,
	}, nil
}

func profileURL(actor *domain.Actor) string {
	if actor.ProfileURL != "" {
		return actor.ProfileURL
	}
	return actor.Id
}
