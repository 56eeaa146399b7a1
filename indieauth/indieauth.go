package indieauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/deemkeen/followbridge/util"
	"github.com/tomnomnom/linkheader"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/oauth2"
)

// AuthorizationEndpointRel is the link relation users put on their home
// page to pick their own provider.
const AuthorizationEndpointRel = "authorization_endpoint"

// MetadataRel points at a JSON document describing the user's IndieAuth
// server. It takes precedence over AuthorizationEndpointRel.
const MetadataRel = "indieauth-metadata"

const maxPageBytes = 512 << 10

// ErrNoCode means the provider came back without a code, usually because the
// user cancelled.
var ErrNoCode = errors.New("authorization was cancelled")

// Client talks to IndieAuth authorization endpoints.
type Client struct {
	http     *http.Client
	fallback string
	log      *zap.SugaredLogger
}

// NewClient uses fallback as the endpoint for sites that do not advertise
// one.
func NewClient(httpClient *http.Client, fallback string, log *zap.SugaredLogger) *Client {
	return &Client{http: httpClient, fallback: fallback, log: log}
}

// Canonicalize turns what a user typed into a profile URL: https is added
// when there is no scheme, the host is lowercased and an empty path
// becomes "/".
func Canonicalize(me string) (string, error) {
	me = strings.TrimSpace(me)
	if me == "" {
		return "", fmt.Errorf("empty identity")
	}
	if !strings.Contains(me, "://") {
		me = "https://" + me
	}

	u, err := url.Parse(me)
	if err != nil {
		return "", fmt.Errorf("invalid identity %q: %w", me, err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Hostname() == "" {
		return "", fmt.Errorf("invalid identity %q", me)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Domain returns the host of an identity URL, which is also the local user
// id.
func Domain(me string) (string, error) {
	canonical, err := Canonicalize(me)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(canonical)
	return u.Hostname(), nil
}

// SameIdentity reports whether two identity URLs name the same site.
func SameIdentity(a, b string) bool {
	da, err := Domain(a)
	if err != nil {
		return false
	}
	db, err := Domain(b)
	if err != nil {
		return false
	}
	return da == db
}

// DiscoverEndpoint finds the authorization endpoint advertised by me, in an
// HTTP Link header or a <link> element, following server metadata when it
// is advertised. Anything going wrong yields the
// fallback endpoint.
func (c *Client) DiscoverEndpoint(ctx context.Context, me string) string {
	endpoint, err := c.discover(ctx, me)
	if err != nil {
		c.log.Debugf("IndieAuth: endpoint discovery for %s failed, using %s: %v", me, c.fallback, err)
		return c.fallback
	}
	if endpoint == "" {
		return c.fallback
	}
	c.log.Debugf("IndieAuth: %s uses %s", me, endpoint)
	return endpoint
}

func (c *Client) discover(ctx context.Context, me string) (string, error) {
	base, err := url.Parse(me)
	if err != nil {
		return "", err
	}

	resp, err := c.get(ctx, me, "text/html")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	rels := linkHeaderRels(resp.Header.Values("Link"), MetadataRel, AuthorizationEndpointRel)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if (mediaType == "" || mediaType == "text/html") && (rels[MetadataRel] == "" || rels[AuthorizationEndpointRel] == "") {
		for rel, href := range htmlLinkRels(io.LimitReader(resp.Body, maxPageBytes), MetadataRel, AuthorizationEndpointRel) {
			if rels[rel] == "" {
				rels[rel] = href
			}
		}
	}

	if metadata := resolve(base, rels[MetadataRel]); metadata != "" {
		endpoint, err := c.metadataEndpoint(ctx, metadata)
		if err == nil && endpoint != "" {
			return endpoint, nil
		}
		c.log.Debugf("IndieAuth: metadata at %s unusable, trying %s: %v", metadata, AuthorizationEndpointRel, err)
	}
	return resolve(base, rels[AuthorizationEndpointRel]), nil
}

func (c *Client) get(ctx context.Context, target, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp, nil
}

// metadataEndpoint reads the authorization endpoint out of an IndieAuth
// server metadata document.
func (c *Client) metadataEndpoint(ctx context.Context, metadata string) (string, error) {
	resp, err := c.get(ctx, metadata, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var doc struct {
		AuthorizationEndpoint string `json:"authorization_endpoint"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageBytes)).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to parse metadata: %w", err)
	}
	base, _ := url.Parse(metadata)
	return resolve(base, doc.AuthorizationEndpoint), nil
}

// linkHeaderRels maps each wanted rel to the target of the first Link header
// entry carrying it.
func linkHeaderRels(headers []string, rels ...string) map[string]string {
	found := make(map[string]string, len(rels))
	for _, link := range linkheader.ParseMultiple(headers) {
		for _, r := range strings.Fields(link.Rel) {
			if slices.Contains(rels, r) && found[r] == "" {
				found[r] = link.URL
			}
		}
	}
	return found
}

// htmlLinkRels maps each wanted rel to the href of the first <link> or <a>
// carrying it.
func htmlLinkRels(r io.Reader, rels ...string) map[string]string {
	found := make(map[string]string, len(rels))
	tokenizer := html.NewTokenizer(r)
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return found
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			if token.Data != "link" && token.Data != "a" {
				continue
			}
			var href string
			var matched []string
			for _, attr := range token.Attr {
				switch attr.Key {
				case "href":
					href = attr.Val
				case "rel":
					for _, r := range strings.Fields(attr.Val) {
						if slices.Contains(rels, r) {
							matched = append(matched, r)
						}
					}
				}
			}
			for _, r := range matched {
				if href != "" && found[r] == "" {
					found[r] = href
				}
			}
		}
	}
}

func resolve(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// AuthRequest is what we send the user to the provider with. CodeVerifier
// is kept by us; only its S256 challenge goes out.
type AuthRequest struct {
	Me           string
	ClientID     string
	RedirectURI  string
	State        string
	CodeVerifier string
}

// AuthorizationURL builds the redirect to endpoint.
func AuthorizationURL(endpoint string, r AuthRequest) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid authorization endpoint %q", endpoint)
	}

	conf := &oauth2.Config{
		ClientID:    r.ClientID,
		RedirectURL: r.RedirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: endpoint, TokenURL: endpoint},
	}
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("me", r.Me)}
	if r.CodeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(r.CodeVerifier))
	}
	return conf.AuthCodeURL(r.State, opts...), nil
}

// Verify redeems code at endpoint and returns the identity the provider
// vouches for. Providers answer either form encoded or JSON.
func (c *Client) Verify(ctx context.Context, endpoint, code, clientID, redirectURI, codeVerifier string) (string, error) {
	if code == "" {
		return "", ErrNoCode
	}

	form := url.Values{
		"code":         {code},
		"client_id":    {clientID},
		"redirect_uri": {redirectURI},
		"grant_type":   {"authorization_code"},
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json, application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("code verification failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("code verification returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	me := parseMe(body)
	if me == "" {
		return "", fmt.Errorf("code verification response has no me")
	}
	return me, nil
}

func parseMe(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var resp struct {
			Me string `json:"me"`
		}
		if err := json.Unmarshal(body, &resp); err == nil {
			return resp.Me
		}
		return ""
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return ""
	}
	return values.Get("me")
}
