package common

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Forecaster/"+Version(), r.Header.Get("User-Agent"), "User-Agent should match expected format")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	timeout := 5 * time.Second
	client := HTTPClient(timeout)

	assert.Equal(t, timeout, client.Timeout, "Timeout should be set correctly")
	assert.NotNil(t, client.Transport, "Transport should not be nil")

	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "overridden")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	// the caller's request must not be mutated by the transport
	assert.Equal(t, "overridden", req.Header.Get("User-Agent"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "****", RedactAPIKey("abcd"))
	assert.Equal(t, "******ghijkl", RedactAPIKey("abcdefghijkl"))
	assert.NotEmpty(t, Version())

	u, err := url.Parse("https://api.example.com/rooftop_sites?api_key=abcdefghijkl&format=json")
	require.NoError(t, err)
	redacted := RedactURL(u)
	assert.NotContains(t, redacted, "abcdefghijkl")
	assert.Contains(t, redacted, "ghijkl")
	assert.Contains(t, redacted, "format=json")
	assert.Equal(t, "", RedactURL(nil))
}

func TestAPIKeyID(t *testing.T) {
	assert.Equal(t, "ghijkl", APIKeyID(" abcdefghijkl "))
	assert.Equal(t, "abc", APIKeyID("abc"))
}

func TestRedactURLError(t *testing.T) {
	err := &url.Error{
		Op:  "Get",
		URL: "https://api.example.com/rooftop_sites?api_key=abcdefghijkl",
		Err: errors.New("connection refused"),
	}
	redacted := RedactURLError(err)
	assert.NotContains(t, redacted.Error(), "abcdefghijkl")
	assert.Contains(t, redacted.Error(), "connection refused")
	assert.NotContains(t, err.Error(), "******", "original is not modified")

	plain := errors.New("plain")
	assert.Equal(t, plain, RedactURLError(plain))
}
