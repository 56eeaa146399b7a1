package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/deemkeen/followbridge/domain"
	"github.com/gin-gonic/gin"
)

// handleFollowingCollection serves the user's following list as an AS2
// OrderedCollection, paged like any other collection: without a page
// parameter only the totals and a link to the first page.
func (s *Server) handleFollowingCollection(c *gin.Context, user *domain.User) {
	following, err := s.store.ReadFollowing(c.Request.Context(), user.Domain)
	if err != nil {
		s.fail(c, err)
		return
	}

	collectionURL := s.builder.FollowingURL(user.Domain)
	page := ParsePageParam(c.Query("page"))
	c.Header("Content-Type", activitypub.ContentType+"; charset=utf-8")

	if page == 0 {
		c.JSON(http.StatusOK, activitypub.Document{
			"@context":   activitypub.ContextActivityStreams,
			"id":         collectionURL,
			"type":       "OrderedCollection",
			"totalItems": len(following),
			"first":      fmt.Sprintf("%s?page=1", collectionURL),
		})
		return
	}

	c.JSON(http.StatusOK, followingPage(collectionURL, following, page))
}

func followingPage(collectionURL string, following []domain.Following, page int) activitypub.Document {
	start, end := paginate(len(following), page, itemsPerPage)

	items := make([]interface{}, 0, end-start)
	for _, f := range following[start:end] {
		items = append(items, f.To)
	}

	collectionPage := activitypub.Document{
		"@context":     activitypub.ContextActivityStreams,
		"id":           fmt.Sprintf("%s?page=%d", collectionURL, page),
		"type":         "OrderedCollectionPage",
		"partOf":       collectionURL,
		"orderedItems": items,
	}
	if end < len(following) {
		collectionPage["next"] = fmt.Sprintf("%s?page=%d", collectionURL, page+1)
	}
	if page > 1 {
		collectionPage["prev"] = fmt.Sprintf("%s?page=%d", collectionURL, page-1)
	}
	return collectionPage
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
