package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/deemkeen/followbridge/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const feedLimit = 50

// GetRSS renders a user's recent follows and unfollows as RSS.
func GetRSS(builder activitypub.Builder, user *domain.User, activities []domain.Activity) (string, error) {
	link := builder.Origin + activitypub.UserPage(user.Domain)
	author := &feeds.Author{Name: user.Domain}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s on followbridge", user.Domain),
		Link:        &feeds.Link{Href: link},
		Description: fmt.Sprintf("Follows and unfollows by %s", user.Domain),
		Author:      author,
		Created:     user.CreatedAt,
	}
	if len(activities) > 0 {
		feed.Updated = activities[0].UpdatedAt
	}

	var feedItems []*feeds.Item
	for _, a := range activities {
		feedItems = append(feedItems,
			&feeds.Item{
				Id:          a.Id,
				Title:       fmt.Sprintf("%s (%s)", a.ActivityType, a.Status),
				Link:        &feeds.Link{Href: a.Id},
				Description: fmt.Sprintf("%s %s", a.ActivityType, activityObject(a)),
				Content:     prettyJSON(a.Document),
				Author:      author,
				Created:     a.CreatedAt,
				Updated:     a.UpdatedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}

// activityObject names what a stored activity was about.
func activityObject(a domain.Activity) string {
	doc, err := activitypub.ParseDocument([]byte(a.Document))
	if err != nil {
		return ""
	}
	switch object := doc["object"].(type) {
	case string:
		return object
	case map[string]interface{}:
		if inner, ok := object["object"].(string); ok {
			return inner
		}
		if inner, ok := object["object"].(map[string]interface{}); ok {
			return activitypub.Document(inner).Id()
		}
		return activitypub.Document(object).Id()
	}
	return ""
}

func (s *Server) handleFeed(c *gin.Context) {
	user := s.loadUser(c, func(d string) string { return activitypub.UserPage(d) + "/feed" })
	if user == nil {
		return
	}

	activities, err := s.store.ReadActivitiesByKey(c.Request.Context(), domain.UserKey(user.Domain), feedLimit)
	if err != nil {
		s.fail(c, err)
		return
	}

	rss, err := GetRSS(s.builder, user, activities)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Cache-Control", fmt.Sprintf("max-age=%d", int((5*time.Minute).Seconds())))
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}
