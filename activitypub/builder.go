package activitypub

import (
	"fmt"
	"time"
)

// Protocol is the path segment for web (IndieAuth) users.
const Protocol = "web"

// TimestampLayout is used in activity ids. Second resolution, UTC, no zone.
const TimestampLayout = "2006-01-02T15:04:05"

// Builder derives ids and builds the activities a local user sends.
type Builder struct {
	Origin string // e.g. https://fed.example, no trailing slash
}

// UserURL is the user's actor id and signing key id.
func (b Builder) UserURL(userDomain string) string {
	return fmt.Sprintf("%s/%s", b.Origin, userDomain)
}

// UserPage is the local path of the user's page.
func UserPage(userDomain string) string {
	return fmt.Sprintf("/%s/%s", Protocol, userDomain)
}

// FollowingPage is the local path of the user's following list.
func FollowingPage(userDomain string) string {
	return UserPage(userDomain) + "/following"
}

func (b Builder) FollowingURL(userDomain string) string {
	return b.Origin + FollowingPage(userDomain)
}

// FollowID is deterministic in its inputs; ref is what the user typed, or
// the followee id when there is no typed address.
func (b Builder) FollowID(userDomain string, started time.Time, ref string) string {
	return fmt.Sprintf("%s#%s-%s", b.FollowingURL(userDomain), started.UTC().Format(TimestampLayout), ref)
}

func (b Builder) UndoID(userDomain string, started time.Time, followeeId string) string {
	return fmt.Sprintf("%s#undo-%s-%s", b.FollowingURL(userDomain), started.UTC().Format(TimestampLayout), followeeId)
}

// Follow builds a Follow of followee, which is either a Document or a bare
// id string.
func (b Builder) Follow(userDomain string, started time.Time, ref string, followee interface{}) Document {
	if ref == "" {
		ref = objectId(followee)
	}
	return Document{
		"@context": ContextActivityStreams,
		"type":     "Follow",
		"id":       b.FollowID(userDomain, started, ref),
		"actor":    b.UserURL(userDomain),
		"object":   followee,
		"to":       []interface{}{PublicAudience},
	}
}

// Undo builds an Undo of follow, which is either the stored Follow
// Document or its bare id.
func (b Builder) Undo(userDomain string, started time.Time, followeeId string, follow interface{}) Document {
	return Document{
		"@context": ContextActivityStreams,
		"type":     "Undo",
		"id":       b.UndoID(userDomain, started, followeeId),
		"actor":    b.UserURL(userDomain),
		"object":   follow,
	}
}

func objectId(v interface{}) string {
	switch o := v.(type) {
	case string:
		return o
	case Document:
		return o.Id()
	case map[string]interface{}:
		id, _ := o["id"].(string)
		return id
	}
	return ""
}
