package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"HTTP://Example.COM:80/a?b=2&a=1#frag", "http://example.com/a?a=1&b=2"},
		{"https://example.com:443", "https://example.com/"},
		{"https://example.com:8443/x", "https://example.com:8443/x"},
		{"http://site/links/2/0", "http://site/links/2/0"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("http://site/links/2/0")
	require.NoError(t, err)

	got, ok := ResolveURL(base, "/links/2/1#top")
	require.True(t, ok)
	require.Equal(t, "http://site/links/2/1", got)

	got, ok = ResolveURL(base, "3")
	require.True(t, ok)
	require.Equal(t, "http://site/links/2/3", got)

	for _, href := range []string{"", "#anchor", "mailto:a@b.c", "javascript:void(0)"} {
		_, ok := ResolveURL(base, href)
		require.False(t, ok, href)
	}
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Host("https://Example.com:8443/path"))
	require.Equal(t, "", Host("://bad"))
}

func TestProxyURLAndKey(t *testing.T) {
	t.Parallel()

	p := Proxy{Hostname: "10.0.0.1", Port: 1080, Protocol: ProxySOCKS5, Username: "u", Password: "p@ss"}
	require.Equal(t, "10.0.0.1:1080", p.Key())
	require.Equal(t, "socks5", p.URL().Scheme)
	pass, ok := p.URL().User.Password()
	require.True(t, ok)
	require.Equal(t, "p@ss", pass)
	require.NotContains(t, p.String(), "p@ss")

	proto, err := ParseProxyProtocol("HTTP")
	require.NoError(t, err)
	require.Equal(t, ProxyHTTP, proto)
	_, err = ParseProxyProtocol("ftp")
	require.Error(t, err)
}
