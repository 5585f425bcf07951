package httpclient

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/sluice/errors"
)

func TestNewDefaults(t *testing.T) {
	client := New(Options{})

	assert.Equal(t, 30*time.Second, client.Timeout)
	assert.Equal(t, 10, client.maxRedirects)
	assert.True(t, client.blockPrivateIP)
	assert.Equal(t, []string{"http", "https"}, client.allowedSchemes)
}

func TestValidateURL(t *testing.T) {
	client := New(Options{})

	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{name: "https", url: "https://example.com/path"},
		{name: "http", url: "http://example.com"},
		{name: "file scheme", url: "file:///etc/passwd", errContains: "scheme"},
		{name: "gopher scheme", url: "gopher://example.com", errContains: "scheme"},
		{name: "localhost", url: "http://localhost/admin", errContains: "localhost"},
		{name: "localhost subdomain", url: "http://admin.localhost/", errContains: "localhost"},
		{name: "loopback", url: "http://127.0.0.1/", errContains: "private IP"},
		{name: "10/8", url: "http://10.0.0.1/", errContains: "private IP"},
		{name: "172.16/12", url: "http://172.16.0.1/", errContains: "private IP"},
		{name: "192.168/16", url: "http://192.168.1.1/", errContains: "private IP"},
		{name: "metadata", url: "http://169.254.169.254/latest", errContains: "private IP"},
		{name: "ipv6 loopback", url: "http://[::1]/", errContains: "private IP"},
		{name: "ipv6 unique local", url: "http://[fd00::1]/", errContains: "private IP"},
		{name: "credentials", url: "http://evil.com@localhost/", errContains: "credentials"},
		{name: "no host", url: "http:///path", errContains: "hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateURL(tt.url)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
			assert.True(t, errors.Is(err, ErrBlocked))
		})
	}
}

func TestAllowPrivate(t *testing.T) {
	client := New(Options{AllowPrivate: true})

	_, err := client.ValidateURL("http://10.1.2.3/wiki")
	assert.NoError(t, err)
	_, err = client.ValidateURL("ftp://10.1.2.3/")
	assert.Error(t, err, "schemes are checked even when private networks are allowed")
}

func TestIsPrivateIP(t *testing.T) {
	for addr, want := range map[string]bool{
		"8.8.8.8":         false,
		"93.184.216.34":   false,
		"2606:4700::1111": false,
		"127.0.0.1":       true,
		"100.64.0.1":      true,
		"::ffff:10.0.0.1": true,
		"fe80::1":         true,
		"::":              true,
	} {
		ip := net.ParseIP(addr)
		require.NotNil(t, ip, addr)
		assert.Equal(t, want, isPrivateIP(ip), addr)
	}
}

func TestDoBlocksLoopbackServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = New(Options{}).Do(req)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "blocked"))
}

func TestDoSetsUserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	client := New(Options{AllowPrivate: true, UserAgent: "sluice-test/1.0"})
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "sluice-test/1.0", got)
}

func TestRedirectToPrivateBlocked(t *testing.T) {
	client := New(Options{})
	req, err := http.NewRequest(http.MethodGet, "http://169.254.169.254/latest/meta-data", nil)
	require.NoError(t, err)

	err = client.CheckRedirect(req, []*http.Request{{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect blocked")
}

func TestRedirectLimit(t *testing.T) {
	client := New(Options{MaxRedirects: 2})
	req, err := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	require.NoError(t, err)

	assert.NoError(t, client.CheckRedirect(req, []*http.Request{{}}))
	assert.Error(t, client.CheckRedirect(req, []*http.Request{{}, {}}))
}
