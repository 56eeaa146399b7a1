package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimeAgo(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		time     time.Time
		expected string
	}{
		{
			name:     "just now",
			time:     now.Add(-30 * time.Second),
			expected: "just now",
		},
		{
			name:     "1 minute ago",
			time:     now.Add(-1 * time.Minute),
			expected: "1 minute ago",
		},
		{
			name:     "5 minutes ago",
			time:     now.Add(-5 * time.Minute),
			expected: "5 minutes ago",
		},
		{
			name:     "1 hour ago",
			time:     now.Add(-1 * time.Hour),
			expected: "1 hour ago",
		},
		{
			name:     "3 hours ago",
			time:     now.Add(-3 * time.Hour),
			expected: "3 hours ago",
		},
		{
			name:     "1 day ago",
			time:     now.Add(-24 * time.Hour),
			expected: "1 day ago",
		},
		{
			name:     "7 days ago",
			time:     now.Add(-7 * 24 * time.Hour),
			expected: "7 days ago",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatTimeAgo(tt.time)
			if result != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestFormatTimeAgoOldDates(t *testing.T) {
	// Test dates older than 30 days should return formatted date
	oldDate := time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC)
	result := formatTimeAgo(oldDate)

	// Should return formatted date like "Jan 15, 2024"
	if result != "Jan 15, 2024" {
		t.Errorf("Expected formatted date, got '%s'", result)
	}
}

func TestFormatTimeAgoEdgeCases(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		time time.Time
		want string
	}{
		{
			name: "exactly 1 minute",
			time: now.Add(-60 * time.Second),
			want: "1 minute ago",
		},
		{
			name: "exactly 1 hour",
			time: now.Add(-60 * time.Minute),
			want: "1 hour ago",
		},
		{
			name: "59 minutes",
			time: now.Add(-59 * time.Minute),
			want: "59 minutes ago",
		},
		{
			name: "23 hours",
			time: now.Add(-23 * time.Hour),
			want: "23 hours ago",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatTimeAgo(tt.time)
			if result != tt.want {
				t.Errorf("Expected '%s', got '%s'", tt.want, result)
			}
		})
	}
}

func TestPagination(t *testing.T) {
	tests := []struct {
		name        string
		page        int
		perPage     int
		total       int
		wantStart   int
		wantEnd     int
		wantHasNext bool
	}{
		{"first page with more items", 1, 20, 50, 0, 20, true},
		{"second page", 2, 20, 50, 20, 40, true},
		{"last page", 3, 20, 50, 40, 50, false},
		{"page beyond total", 10, 20, 50, 50, 50, false},
		{"single page", 1, 20, 10, 0, 10, false},
		{"empty", 1, 20, 0, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := paginate(tt.total, tt.page, tt.perPage)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
			assert.Equal(t, tt.wantHasNext, end < tt.total)
		})
	}
}

func TestParsePage(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 1},
		{"page=1", 1},
		{"page=5", 5},
		{"page=abc", 1},
		{"page=0", 1},
		{"page=-5", 1},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			assert.Equal(t, tt.want, parsePage(c))
		})
	}
}

func TestWantsActivityJSON(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"application/activity+json", true},
		{activitypub.ContentTypeLD, true},
		{"text/html,application/xhtml+xml", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Request.Header.Set("Accept", tt.accept)
			assert.Equal(t, tt.want, wantsActivityJSON(c))
		})
	}
}

func TestPrettyJSON(t *testing.T) {
	assert.Contains(t, prettyJSON(`{"type":"Follow"}`), "\"type\": \"Follow\"")
	assert.Equal(t, "not json", prettyJSON("not json"))
}

func TestIndexPage(t *testing.T) {
	h := newHarness(t)

	w := h.get("/")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `action="/follow/start"`)
}

func TestUserPage(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice.com")

	w := h.get("/web/alice.com")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "@alice.com@alice.com")
	assert.Contains(t, body, `action="/remote-follow"`)
	assert.Contains(t, body, `name="protocol" value="web"`)
	assert.Contains(t, body, `href="/web/alice.com/following"`)
}

func TestUserPageNotFound(t *testing.T) {
	h := newHarness(t)

	w := h.get("/web/nobody.com")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "No user found for nobody.com")
}

func TestUserPageUseInstead(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice.com")
	h.addUser(t, "old.alice.com")
	require.NoError(t, h.store.SetUseInstead(context.Background(), "old.alice.com", "alice.com"))

	w := h.get("/web/old.alice.com")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/web/alice.com", w.Header().Get("Location"))

	w = h.get("/web/old.alice.com/following")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/web/alice.com/following", w.Header().Get("Location"))
}

func TestFollowingPage(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice.com")
	cookie := loggedIn(t, h)

	w := h.get("/web/alice.com/following", cookie)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `href="https://bar/url"`)
	assert.Contains(t, body, `action="/unfollow/start"`)
	assert.Contains(t, body, `name="me" value="https://alice.com/"`)
}

func TestFollowingPageEmpty(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice.com")

	w := h.get("/web/alice.com/following")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Not following anyone yet.")
}

func TestActivitiesPage(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice.com")
	loggedIn(t, h)

	w := h.get("/activities")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Follow")
	assert.Contains(t, w.Body.String(), "https://bar/id")

	w = h.get("/activities?key=" + "User:nobody.com")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Nothing yet.")
}

func TestFollowingCollectionJSON(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice.com")
	loggedIn(t, h)

	req := httptest.NewRequest(http.MethodGet, "/web/alice.com/following", nil)
	req.Header.Set("Accept", activitypub.ContentType)
	w := h.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), activitypub.ContentType)

	var collection map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &collection))
	assert.Equal(t, "OrderedCollection", collection["type"])
	assert.Equal(t, testOrigin+"/web/alice.com/following", collection["id"])
	assert.Equal(t, float64(1), collection["totalItems"])
	assert.Equal(t, testOrigin+"/web/alice.com/following?page=1", collection["first"])
}
