// Package subscription holds the subscriber data model shared by the
// store, the command processor and the notification dispatcher.
package subscription

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Subscription is a named watch on a query URL.
type Subscription struct {
	Title           string   `json:"title"`
	QueryURL        string   `json:"query_url"`
	IncludeKeywords []string `json:"include_keywords"`
	ExcludeKeywords []string `json:"exclude_keywords"`
	Enabled         bool     `json:"enabled"`
}

// Subscriber is identified by a transport-specific client id.
type Subscriber[ID comparable] struct {
	ID            ID             `json:"id"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// New returns an empty subscriber for id.
func New[ID comparable](id ID) Subscriber[ID] {
	return Subscriber[ID]{ID: id, Subscriptions: []Subscription{}}
}

// Normalize guarantees non-nil collections.
func (s *Subscriber[ID]) Normalize() {
	if s.Subscriptions == nil {
		s.Subscriptions = []Subscription{}
	}
	for i := range s.Subscriptions {
		if s.Subscriptions[i].IncludeKeywords == nil {
			s.Subscriptions[i].IncludeKeywords = []string{}
		}
		if s.Subscriptions[i].ExcludeKeywords == nil {
			s.Subscriptions[i].ExcludeKeywords = []string{}
		}
	}
}

// Clone returns a deep copy so callers can mutate it without touching the
// store's canonical record.
func (s Subscriber[ID]) Clone() Subscriber[ID] {
	out := Subscriber[ID]{ID: s.ID, Subscriptions: make([]Subscription, len(s.Subscriptions))}
	for i, sub := range s.Subscriptions {
		sub.IncludeKeywords = append([]string{}, sub.IncludeKeywords...)
		sub.ExcludeKeywords = append([]string{}, sub.ExcludeKeywords...)
		out.Subscriptions[i] = sub
	}
	return out
}

// Find returns the index of the subscription addressed by ref: an exact
// query URL match wins over a case-insensitive title match.
func (s Subscriber[ID]) Find(ref string) int {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return -1
	}
	if u, err := NormalizeURL(ref); err == nil {
		for i, sub := range s.Subscriptions {
			if sub.QueryURL == u {
				return i
			}
		}
	}
	for i, sub := range s.Subscriptions {
		if strings.EqualFold(sub.Title, ref) {
			return i
		}
	}
	return -1
}

// HasURL reports whether a subscription already watches u.
func (s Subscriber[ID]) HasURL(u string) bool {
	for _, sub := range s.Subscriptions {
		if sub.QueryURL == u {
			return true
		}
	}
	return false
}

// HasTitle reports whether title is taken (case-insensitive).
func (s Subscriber[ID]) HasTitle(title string) bool {
	for _, sub := range s.Subscriptions {
		if strings.EqualFold(sub.Title, title) {
			return true
		}
	}
	return false
}

// NormalizeURL validates raw as an absolute http(s) URL and returns its
// canonical string form.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed url %q", ErrInvalidArgument, raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: url must start with http:// or https://", ErrInvalidArgument)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: url %q has no host", ErrInvalidArgument, raw)
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String(), nil
}

// DeriveTitle builds a display title from a query URL: the last non-empty
// path segment, or the host when the path is empty.
func DeriveTitle(queryURL string) string {
	u, err := url.Parse(queryURL)
	if err != nil {
		return queryURL
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return u.Host
	}
	seg := path.Base(p)
	if dec, err := url.PathUnescape(seg); err == nil {
		seg = dec
	}
	return seg
}

// UniqueTitle returns title, suffixed with " (n)" if it is already taken.
func (s Subscriber[ID]) UniqueTitle(title string) string {
	if !s.HasTitle(title) {
		return title
	}
	for n := 2; ; n++ {
		cand := fmt.Sprintf("%s (%d)", title, n)
		if !s.HasTitle(cand) {
			return cand
		}
	}
}
