package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvaistore/aptvault/internal/apterrs"
)

func TestGetReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Release contents"))
	}))
	defer srv.Close()

	c := New(Config{ConnectTimeout: time.Second, IdleReadTimeout: 2 * time.Second})
	res, err := c.Get(context.Background(), srv.URL, Conditional{})
	require.NoError(t, err)
	require.Equal(t, "Release contents", string(res.Body))
	require.False(t, res.NotModified)
}

func TestGetHonorsNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte("full body"))
	}))
	defer srv.Close()

	c := New(Config{ConnectTimeout: time.Second, IdleReadTimeout: 2 * time.Second})
	res, err := c.Get(context.Background(), srv.URL, Conditional{IfNoneMatch: `"abc"`})
	require.NoError(t, err)
	require.True(t, res.NotModified)
}

func TestGetEnforcesSizeCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	c := New(Config{ConnectTimeout: time.Second, IdleReadTimeout: 2 * time.Second, SizeCeiling: 16, MaxAttempts: 1})
	_, err := c.Get(context.Background(), srv.URL, Conditional{})
	require.Error(t, err)

	var tooLarge *apterrs.TooLargeError
	require.ErrorAs(t, err, &tooLarge)
}

func TestGetSurfacesUpstreamErrorForNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{ConnectTimeout: time.Second, IdleReadTimeout: 2 * time.Second, MaxAttempts: 1})
	_, err := c.Get(context.Background(), srv.URL, Conditional{})
	require.Error(t, err)

	var upstream *apterrs.UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, http.StatusNotFound, upstream.Status)
}
