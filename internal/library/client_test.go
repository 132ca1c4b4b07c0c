package library

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sectionJSON = `{
  "MediaContainer": {
    "Metadata": [
      {"title": "Blade Runner", "year": 1982, "addedAt": 1700000300},
      {"title": "Alien", "year": 1979, "addedAt": 1700000200},
      {"title": "Stalker", "year": 1979, "addedAt": 1700000100}
    ]
  }
}`

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		URL:     server.URL,
		Token:   "secret",
		Section: "1",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return client, server
}

func TestRescan(t *testing.T) {
	var gotPath, gotToken string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Plex-Token")
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, client.Rescan(context.Background()))
	assert.Equal(t, "/library/sections/1/refresh", gotPath)
	assert.Equal(t, "secret", gotToken)
}

func TestCheckAvailable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/library/sections/1/all", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(sectionJSON))
	}))

	ok, err := client.CheckAvailable(context.Background(), "blade runner")
	require.NoError(t, err)
	assert.True(t, ok, "title match is case-insensitive")

	ok, err = client.CheckAvailable(context.Background(), "Blade Runner 2049")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecent(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/library/sections/1/recentlyAdded", r.URL.Path)
		w.Write([]byte(sectionJSON))
	}))

	movies, err := client.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, movies, 2)
	assert.Equal(t, "Blade Runner", movies[0].Title)
	assert.Equal(t, 1982, movies[0].Year)
	assert.Equal(t, time.Unix(1700000300, 0), movies[0].AddedAt)
	assert.Equal(t, "Alien", movies[1].Title)
}

func TestRecentNoLimit(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sectionJSON))
	}))

	movies, err := client.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, movies, 3)
}

func TestServerErrorWraps(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := client.Ping(context.Background())
	assert.ErrorIs(t, err, ErrLibraryUnavailable)

	_, err = client.Recent(context.Background(), 5)
	assert.ErrorIs(t, err, ErrLibraryUnavailable)
}

func TestUnreachableServer(t *testing.T) {
	client, server := newTestClient(t, http.NewServeMux())
	server.Close()

	err := client.Ping(context.Background())
	assert.ErrorIs(t, err, ErrLibraryUnavailable)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Section: "1"})
	assert.Error(t, err)

	_, err = NewClient(Config{URL: "http://plex:32400"})
	assert.Error(t, err)
}
