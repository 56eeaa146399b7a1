package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is a domain-backed identity that acts on the fediverse.
type User struct {
	Domain     string
	PublicKey  string
	PrivateKey string
	UseInstead string // domain of the user that supersedes this one, if any
	CreatedAt  time.Time
}

// Key identifies the user inside an Activity's users list.
func (u *User) Key() string {
	return UserKey(u.Domain)
}

func UserKey(domain string) string {
	return "User:" + domain
}

// Actor is a cached remote ActivityPub actor
type Actor struct {
	Id          string
	Document    string // raw AS2 JSON as last fetched
	InboxURI    string
	ProfileURL  string
	DisplayName string
	FetchedAt   time.Time
}

func (a *Actor) Key() string {
	return ActorKey(a.Id)
}

func ActorKey(id string) string {
	return "Actor:" + id
}

type ActivityStatus string

const (
	ActivityPending  ActivityStatus = "pending"
	ActivityComplete ActivityStatus = "complete"
	ActivityFailed   ActivityStatus = "failed"
)

// Label values attached to activities created from the web UI.
const (
	LabelUser     = "user"
	LabelActivity = "activity"
)

// SourceUI marks activities that originated from a follow/unfollow form.
const SourceUI = "ui"

// Activity is an outbound Follow or Undo document plus its delivery outcome.
type Activity struct {
	Id           string
	ActivityType string // Follow, Undo
	Document     string // AS2 JSON as delivered
	Status       ActivityStatus
	Labels       []string
	Users        []string // UserKey / ActorKey values
	Source       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type FollowerStatus string

const (
	FollowerActive   FollowerStatus = "active"
	FollowerInactive FollowerStatus = "inactive"
)

// Follower is the edge from a local user to a remote actor. There is at
// most one per (From, To) pair and it is never deleted.
type Follower struct {
	Id        uuid.UUID
	From      string // user domain
	To        string // actor id
	Follow    string // id of the Follow activity that created or refreshed the edge
	Status    FollowerStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Following is a follower edge joined with what we know about its actor,
// for listing pages.
type Following struct {
	Follower
	ProfileURL  string
	DisplayName string
}
