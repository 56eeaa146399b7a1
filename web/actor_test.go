package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActor(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice.com")

	w := h.get("/alice.com")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), activitypub.ContentType)

	var actor activitypub.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actor))
	assert.Equal(t, testOrigin+"/alice.com", actor.Id())
	assert.Equal(t, "Person", actor["type"])
	assert.Equal(t, "alice.com", actor["preferredUsername"])
	assert.Equal(t, "https://alice.com/", actor["url"])
	assert.Equal(t, testOrigin+"/alice.com/inbox", actor.Inbox())
	assert.Equal(t, testOrigin+"/web/alice.com/following", actor["following"])

	key, ok := actor["publicKey"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, actor.Id(), key["id"])
	assert.Equal(t, actor.Id(), key["owner"])
	assert.True(t, strings.HasPrefix(key["publicKeyPem"].(string), "-----BEGIN PUBLIC KEY-----"))
	assert.Equal(t, []string{"https://alice.com/"}, actor.AttachmentURLs())
}

func TestActorNotFound(t *testing.T) {
	h := newHarness(t)

	w := h.get("/nobody.com")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInbox(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice.com")

	post := func(path, body string) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", activitypub.ContentType)
		return h.do(req).Code
	}

	assert.Equal(t, http.StatusAccepted, post("/alice.com/inbox", `{"type":"Follow","id":"https://bar/follows/1"}`))
	assert.Equal(t, http.StatusBadRequest, post("/alice.com/inbox", `not json`))
	assert.Equal(t, http.StatusNotFound, post("/nobody.com/inbox", `{"type":"Follow"}`))
}
