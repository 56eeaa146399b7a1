package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/deemkeen/followbridge/db"
	"github.com/deemkeen/followbridge/domain"
	"github.com/deemkeen/followbridge/util"
	"github.com/gin-gonic/gin"
)

const (
	itemsPerPage       = 20
	maxActivitiesLimit = 100
)

var templateFuncs = template.FuncMap{
	"prettyLink": util.PrettyLink,
}

type IndexPageData struct {
	Title   string
	Flashes []template.HTML
	Me      string
}

type UserPageData struct {
	Title     string
	Flashes   []template.HTML
	User      UserView
	Following int
}

type FollowingPageData struct {
	Title     string
	Flashes   []template.HTML
	User      UserView
	Following []FollowingView
	HasPrev   bool
	HasNext   bool
	PrevPage  int
	NextPage  int
}

type ActivitiesPageData struct {
	Title      string
	Flashes    []template.HTML
	Key        string
	Activities []ActivityView
}

type UserView struct {
	Domain       string
	Handle       string
	Me           string
	ActorURL     string
	JoinedAgo    string
	Protocol     string
	FeedURL      string
	FollowingURL string
	ProfileURL   string
}

type FollowingView struct {
	Key        string
	ActorID    string
	ProfileURL string
	Name       string
	TimeAgo    string
}

type ActivityView struct {
	Id       string
	Type     string
	Status   string
	Source   string
	Users    []string
	Document string
	TimeAgo  string
}

func formatTimeAgo(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return "just now"
	} else if duration < time.Hour {
		mins := int(duration.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	} else if duration < 24*time.Hour {
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	} else if duration < 30*24*time.Hour {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	} else {
		return t.Format("Jan 2, 2006")
	}
}

// paginate returns the [start, end) window of page (1-based) over total
// items.
func paginate(total, page, perPage int) (start, end int) {
	start = (page - 1) * perPage
	end = start + perPage
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return start, end
}

func parsePage(c *gin.Context) int {
	if page := ParsePageParam(c.Query("page")); page > 0 {
		return page
	}
	return 1
}

func (s *Server) userView(user *domain.User) UserView {
	return UserView{
		Domain:       user.Domain,
		Handle:       fmt.Sprintf("@%s@%s", user.Domain, user.Domain),
		Me:           fmt.Sprintf("https://%s/", user.Domain),
		ActorURL:     s.builder.UserURL(user.Domain),
		JoinedAgo:    formatTimeAgo(user.CreatedAt),
		Protocol:     activitypub.Protocol,
		FeedURL:      activitypub.UserPage(user.Domain) + "/feed",
		FollowingURL: activitypub.FollowingPage(user.Domain),
		ProfileURL:   activitypub.UserPage(user.Domain),
	}
}

func (s *Server) notFound(c *gin.Context, message string) {
	c.HTML(http.StatusNotFound, "error.html", gin.H{
		"Title":   "Not Found",
		"Error":   message,
		"Flashes": s.sessions.PopFlashes(c),
	})
}

// loadUser resolves the :domain parameter. Users that defer to another
// domain are redirected to it. It returns nil when a response was written.
func (s *Server) loadUser(c *gin.Context, page func(string) string) *domain.User {
	userDomain := c.Param("domain")
	user, err := s.store.ResolveUser(c.Request.Context(), userDomain)
	if errors.Is(err, db.ErrNotFound) {
		s.notFound(c, fmt.Sprintf("No user found for %s", userDomain))
		return nil
	}
	if err != nil {
		s.fail(c, err)
		return nil
	}
	if user.Domain != userDomain {
		c.Redirect(http.StatusFound, page(user.Domain))
		return nil
	}
	return user
}

func (s *Server) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", IndexPageData{
		Title:   "Home",
		Flashes: s.sessions.PopFlashes(c),
		Me:      s.sessions.Load(c).Me,
	})
}

func (s *Server) handleUser(c *gin.Context) {
	user := s.loadUser(c, activitypub.UserPage)
	if user == nil {
		return
	}

	following, err := s.store.ReadFollowing(c.Request.Context(), user.Domain)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.HTML(http.StatusOK, "user.html", UserPageData{
		Title:     user.Domain,
		Flashes:   s.sessions.PopFlashes(c),
		User:      s.userView(user),
		Following: len(following),
	})
}

func (s *Server) handleFollowing(c *gin.Context) {
	user := s.loadUser(c, activitypub.FollowingPage)
	if user == nil {
		return
	}

	if wantsActivityJSON(c) {
		s.handleFollowingCollection(c, user)
		return
	}

	following, err := s.store.ReadFollowing(c.Request.Context(), user.Domain)
	if err != nil {
		s.fail(c, err)
		return
	}

	page := parsePage(c)
	start, end := paginate(len(following), page, itemsPerPage)

	views := make([]FollowingView, 0, end-start)
	for _, f := range following[start:end] {
		profile := f.ProfileURL
		if profile == "" {
			profile = f.To
		}
		name := f.DisplayName
		if name == "" {
			name = util.PrettyLink(profile)
		}
		views = append(views, FollowingView{
			Key:        f.Id.String(),
			ActorID:    f.To,
			ProfileURL: profile,
			Name:       name,
			TimeAgo:    formatTimeAgo(f.UpdatedAt),
		})
	}

	c.HTML(http.StatusOK, "following.html", FollowingPageData{
		Title:     fmt.Sprintf("%s following", user.Domain),
		Flashes:   s.sessions.PopFlashes(c),
		User:      s.userView(user),
		Following: views,
		HasPrev:   page > 1,
		HasNext:   end < len(following),
		PrevPage:  page - 1,
		NextPage:  page + 1,
	})
}

// handleActivities shows the most recent activities, optionally only those
// involving one User: or Actor: key.
func (s *Server) handleActivities(c *gin.Context) {
	limit := itemsPerPage
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > maxActivitiesLimit {
		limit = maxActivitiesLimit
	}

	ctx := c.Request.Context()
	key := strings.TrimSpace(c.Query("key"))

	var activities []domain.Activity
	var err error
	if key != "" {
		activities, err = s.store.ReadActivitiesByKey(ctx, key, limit)
	} else {
		activities, err = s.store.ReadRecentActivities(ctx, limit)
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	views := make([]ActivityView, 0, len(activities))
	for _, a := range activities {
		views = append(views, ActivityView{
			Id:       a.Id,
			Type:     a.ActivityType,
			Status:   string(a.Status),
			Source:   a.Source,
			Users:    a.Users,
			Document: prettyJSON(a.Document),
			TimeAgo:  formatTimeAgo(a.UpdatedAt),
		})
	}

	c.HTML(http.StatusOK, "activities.html", ActivitiesPageData{
		Title:      "Activities",
		Flashes:    s.sessions.PopFlashes(c),
		Key:        key,
		Activities: views,
	})
}

func prettyJSON(raw string) string {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return util.PrettyPrint(v)
}

func wantsActivityJSON(c *gin.Context) bool {
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, activitypub.ContentType) || strings.Contains(accept, "application/ld+json")
}
