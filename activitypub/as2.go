package activitypub

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	PublicAudience         = "https://www.w3.org/ns/activitystreams#Public"

	ContentType   = "application/activity+json"
	ContentTypeLD = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

	// AcceptHeader asks for the AS2 representation of an actor.
	AcceptHeader = ContentType + ", " + ContentTypeLD
)

// Document is a decoded AS2 object. Remote servers disagree on shapes, so
// fields are read through the helpers below instead of a fixed struct.
type Document map[string]interface{}

// ParseDocument decodes a JSON object.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse AS2 JSON: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("AS2 document is not an object")
	}
	return doc, nil
}

// String returns a string valued field, or "".
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

func (d Document) Id() string {
	return d.String("id")
}

func (d Document) Inbox() string {
	return d.String("inbox")
}

// Copy returns a shallow copy, enough to add or replace top level fields.
func (d Document) Copy() Document {
	c := make(Document, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// UrlField is one entry of an AS2 url property: either a bare string or an
// object such as a Link with a name and a value/href.
type UrlField interface {
	urlField()
}

type PlainURL string

type CompositeURL struct {
	Name  string
	Value string
}

func (PlainURL) urlField()     {}
func (CompositeURL) urlField() {}

// ParseUrlFields normalizes a url property that may be a string, an object
// or a list of either.
func ParseUrlFields(v interface{}) []UrlField {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []UrlField{PlainURL(val)}
	case map[string]interface{}:
		name, _ := val["name"].(string)
		value, _ := val["value"].(string)
		if value == "" {
			value, _ = val["href"].(string)
		}
		if value == "" {
			return nil
		}
		return []UrlField{CompositeURL{Name: name, Value: value}}
	case []interface{}:
		var fields []UrlField
		for _, item := range val {
			fields = append(fields, ParseUrlFields(item)...)
		}
		return fields
	}
	return nil
}

// FirstURL returns the first resolvable string among fields.
func FirstURL(fields []UrlField) string {
	for _, field := range fields {
		switch f := field.(type) {
		case PlainURL:
			return string(f)
		case CompositeURL:
			return f.Value
		}
	}
	return ""
}

// Attachments returns the attachment property as a list. Some servers send
// a single object instead of an array.
func (d Document) Attachments() []map[string]interface{} {
	switch val := d["attachment"].(type) {
	case map[string]interface{}:
		return []map[string]interface{}{val}
	case []interface{}:
		var attachments []map[string]interface{}
		for _, item := range val {
			if a, ok := item.(map[string]interface{}); ok {
				attachments = append(attachments, a)
			}
		}
		return attachments
	}
	return nil
}

// AnchorHref returns the href of the first <a> element in an HTML fragment,
// or the trimmed input itself when it is a bare URL.
func AnchorHref(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if strings.HasPrefix(fragment, "http://") || strings.HasPrefix(fragment, "https://") {
		return fragment
	}

	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			if token.Data != "a" {
				continue
			}
			for _, attr := range token.Attr {
				if attr.Key == "href" {
					return attr.Val
				}
			}
		}
	}
}

// AttachmentURLs returns the links found in PropertyValue attachments, in
// order.
func (d Document) AttachmentURLs() []string {
	var urls []string
	for _, a := range d.Attachments() {
		value, _ := a["value"].(string)
		if href := AnchorHref(value); href != "" {
			urls = append(urls, href)
		}
	}
	return urls
}

// ProfileURL picks the best human facing link for an actor: its url
// property, then the first attachment link, then its id.
func (d Document) ProfileURL() string {
	if u := FirstURL(ParseUrlFields(d["url"])); u != "" {
		return u
	}
	if urls := d.AttachmentURLs(); len(urls) > 0 {
		return urls[0]
	}
	return d.Id()
}

// DisplayName prefers name, then preferredUsername, then the profile link.
func (d Document) DisplayName() string {
	if name := strings.TrimSpace(d.String("name")); name != "" {
		return name
	}
	if username := d.String("preferredUsername"); username != "" {
		return username
	}
	return d.ProfileURL()
}

// LinkAttachment renders url the way Mastodon renders verified profile
// links, hiding the scheme.
func LinkAttachment(url string) map[string]interface{} {
	scheme, rest := "", url
	if i := strings.Index(url, "://"); i >= 0 {
		scheme, rest = url[:i+3], url[i+3:]
	}
	return map[string]interface{}{
		"type": "PropertyValue",
		"name": "Link",
		"value": fmt.Sprintf(`<a rel="me" href="%s"><span class="invisible">%s</span>%s<span class="invisible"></span></a>`,
			html.EscapeString(url), html.EscapeString(scheme), html.EscapeString(rest)),
	}
}

// RenderStoredActor returns the document we send for an actor loaded from
// our own store. When its url is not already linked from an attachment, a
// Link attachment is added so the profile link survives.
func RenderStoredActor(d Document) Document {
	url := FirstURL(ParseUrlFields(d["url"]))
	if url == "" {
		return d
	}
	for _, linked := range d.AttachmentURLs() {
		if linked == url {
			return d
		}
	}

	var attachments []interface{}
	for _, a := range d.Attachments() {
		attachments = append(attachments, a)
	}
	attachments = append(attachments, LinkAttachment(url))

	rendered := d.Copy()
	rendered["attachment"] = attachments
	return rendered
}
