package common

import (
	"errors"
	"net/url"
	"strings"
)

// RedactAPIKey hides all but the last six characters of an API key so that
// keys can be logged and used in document names.
func RedactAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 6 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-6) + key[len(key)-6:]
}

// RedactURL returns the URL string with the api_key query parameter redacted.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	if key := q.Get("api_key"); key != "" {
		q.Set("api_key", RedactAPIKey(key))
		c := *u
		c.RawQuery = q.Encode()
		return c.String()
	}
	return u.String()
}

// APIKeyID returns the short, non-secret identifier of an API key used to
// name its persisted documents.
func APIKeyID(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 6 {
		return key
	}
	return key[len(key)-6:]
}

// RedactURLError redacts the api_key in the URL of a *url.Error so transport
// failures can be logged and returned safely.
func RedactURLError(err error) error {
	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return err
	}
	redacted := *uerr
	if u, perr := url.Parse(uerr.URL); perr == nil {
		redacted.URL = RedactURL(u)
	}
	return &redacted
}
