package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/deemkeen/followbridge/cache"
	"github.com/deemkeen/followbridge/metrics"
	"github.com/deemkeen/followbridge/util"
	"go.uber.org/zap"
)

// SubscribeRel marks the OStatus remote follow template link.
const SubscribeRel = "http://ostatus.org/schema/1.0/subscribe"

const maxWebFingerBytes = 256 << 10

var handleRegexp = regexp.MustCompile(`^@?([^@/\s]+)@([^@/\s]+)$`)

type Link struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// WebFinger is a JRD document.
type WebFinger struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

// ActorID returns the href of the rel=self AS2 link.
func (w *WebFinger) ActorID() string {
	for _, link := range w.Links {
		if link.Rel == "self" && IsAS2ContentType(link.Type) && link.Href != "" {
			return link.Href
		}
	}
	return ""
}

// SubscribeTemplate returns the remote follow template, if it has a {uri}
// placeholder.
func (w *WebFinger) SubscribeTemplate() string {
	for _, link := range w.Links {
		if link.Rel == SubscribeRel && strings.Contains(link.Template, "{uri}") {
			return link.Template
		}
	}
	return ""
}

func IsAS2ContentType(contentType string) bool {
	contentType = strings.TrimSpace(strings.ToLower(contentType))
	return contentType == ContentType || strings.HasPrefix(contentType, "application/ld+json")
}

// ParseHandle splits @user@host (leading @ optional).
func ParseHandle(address string) (user, host string, ok bool) {
	m := handleRegexp.FindStringSubmatch(strings.TrimSpace(address))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func IsURL(address string) bool {
	u, err := url.Parse(strings.TrimSpace(address))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// WebFingerURL returns the lookup URL for a handle or a URL address.
func WebFingerURL(address string) (string, error) {
	address = strings.TrimSpace(address)

	var host, resource string
	if user, h, ok := ParseHandle(address); ok {
		host, resource = h, fmt.Sprintf("acct:%s@%s", user, h)
	} else if IsURL(address) {
		u, _ := url.Parse(address)
		host, resource = u.Host, address
	} else {
		return "", fmt.Errorf("%q is neither a handle nor a URL", address)
	}

	return fmt.Sprintf("https://%s/.well-known/webfinger?%s", host, url.Values{"resource": {resource}}.Encode()), nil
}

// Resolution is where an address points. Degraded means discovery failed
// and ActorID is just the address as given.
type Resolution struct {
	Address           string
	ActorID           string
	SubscribeTemplate string
	Degraded          bool
}

// Resolver turns addresses into actor ids through WebFinger.
type Resolver struct {
	client *http.Client
	cache  cache.Cache
	ttl    time.Duration
	log    *zap.SugaredLogger
}

func NewResolver(client *http.Client, c cache.Cache, ttl time.Duration, log *zap.SugaredLogger) *Resolver {
	if c == nil {
		c = cache.Nop{}
	}
	return &Resolver{client: client, cache: c, ttl: ttl, log: log}
}

// Resolve maps an address to an actor id. URLs are taken as actor ids as
// they are; handles go through WebFinger. It never fails: when discovery
// does not work out the result is marked Degraded.
func (r *Resolver) Resolve(ctx context.Context, address string) *Resolution {
	address = strings.TrimSpace(address)
	if IsURL(address) {
		return &Resolution{Address: address, ActorID: address}
	}
	return r.Discover(ctx, address)
}

// Discover runs WebFinger for a handle or a URL, falling back to the
// address itself.
func (r *Resolver) Discover(ctx context.Context, address string) *Resolution {
	address = strings.TrimSpace(address)
	res := &Resolution{Address: address, ActorID: address}

	wf, err := r.Lookup(ctx, address)
	if err != nil {
		r.log.Infof("WebFinger: discovery for %s degraded: %v", address, err)
		metrics.Discovery.WithLabelValues("degraded").Inc()
		res.Degraded = true
		return res
	}

	res.SubscribeTemplate = wf.SubscribeTemplate()
	if id := wf.ActorID(); id != "" {
		res.ActorID = id
	}
	if res.SubscribeTemplate == "" && wf.ActorID() == "" {
		r.log.Infof("WebFinger: no usable links for %s", address)
		res.Degraded = true
	}
	return res
}

// Lookup fetches the WebFinger document for address, using the cache.
func (r *Resolver) Lookup(ctx context.Context, address string) (*WebFinger, error) {
	wfURL, err := WebFingerURL(address)
	if err != nil {
		return nil, err
	}

	key := "webfinger:" + wfURL
	if cached, err := cache.Get[WebFinger](r.cache, ctx, key); err != nil {
		r.log.Warnf("WebFinger: cache read failed: %v", err)
	} else if cached != nil {
		metrics.Discovery.WithLabelValues("cached").Inc()
		return cached, nil
	}

	wf, err := r.fetch(ctx, wfURL)
	if err != nil {
		return nil, err
	}
	metrics.Discovery.WithLabelValues("found").Inc()

	if err := r.cache.SetJSON(ctx, key, wf, r.ttl); err != nil {
		r.log.Warnf("WebFinger: cache write failed: %v", err)
	}
	return wf, nil
}

func (r *Resolver) fetch(ctx context.Context, wfURL string) (*WebFinger, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wfURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webfinger returned status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebFingerBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var wf WebFinger
	if err := json.Unmarshal(body, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse webfinger JSON: %w", err)
	}
	return &wf, nil
}
