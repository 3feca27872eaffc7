package speedsource_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/benmeehan/speed-agent/internal/speedsource"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemote(url string) *speedsource.RemoteQuery {
	return speedsource.NewRemoteQuery(speedsource.RemoteConfig{
		Endpoint:  url,
		Timeout:   5 * time.Second,
		UserAgent: "speed-agent-test",
	}, nil, zerolog.Nop())
}

func TestOverpassQuery(t *testing.T) {
	assert.Equal(t,
		"[out:json];way(around:20,48.8589,2.2944)[highway];out tags;",
		speedsource.OverpassQuery(48.8589, 2.2944, 20),
	)
}

func TestRemoteQuery_LookupNear_FirstTaggedElementWins(t *testing.T) {
	var gotData, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotData = r.URL.Query().Get("data")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"elements":[
			{"type":"way","id":1,"tags":{"highway":"residential"}},
			{"type":"way","id":2,"tags":{"highway":"primary","maxspeed":"50"}},
			{"type":"way","id":3,"tags":{"highway":"primary","maxspeed":"70"}}
		]}`))
	}))
	defer server.Close()

	limit, err := newRemote(server.URL).LookupNear(context.Background(), eiffelLat, eiffelLon, 20)

	require.NoError(t, err)
	require.NotNil(t, limit)
	assert.Equal(t, "50", *limit)
	assert.Equal(t, speedsource.OverpassQuery(eiffelLat, eiffelLon, 20), gotData)
	assert.Equal(t, "speed-agent-test", gotAgent)
}

func TestRemoteQuery_LookupNear_NoTaggedElement(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"elements":[{"tags":{"highway":"service"}},{"id":9}]}`))
	}))
	defer server.Close()

	limit, err := newRemote(server.URL).LookupNear(context.Background(), eiffelLat, eiffelLon, 20)

	assert.NoError(t, err)
	assert.Nil(t, limit)
}

func TestRemoteQuery_LookupNear_BadResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"elements":[]}`},
		{"rate limited", http.StatusTooManyRequests, "slow down"},
		{"malformed body", http.StatusOK, `{"elements":[{"tags":`},
		{"wrong shape", http.StatusOK, `{"elements":{"tags":{}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			limit, err := newRemote(server.URL).LookupNear(context.Background(), eiffelLat, eiffelLon, 20)

			assert.Nil(t, limit)
			assert.ErrorIs(t, err, speedsource.ErrBadResponse)
		})
	}
}

func TestRemoteQuery_LookupNear_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	limit, err := newRemote(url).LookupNear(context.Background(), eiffelLat, eiffelLon, 20)

	assert.Nil(t, limit)
	assert.ErrorIs(t, err, speedsource.ErrNetworkFailure)
}

func TestRemoteQuery_LookupNear_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"elements":[{"tags":{"maxspeed":"50"}}]}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	limit, err := newRemote(server.URL).LookupNear(ctx, eiffelLat, eiffelLon, 20)

	assert.Nil(t, limit)
	assert.ErrorIs(t, err, context.Canceled)
	_, isSourceErr := speedsource.KindOf(err)
	assert.False(t, isSourceErr)
}

func TestRemoteQuery_Resolve(t *testing.T) {
	var gotData string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotData = r.URL.Query().Get("data")
		_, _ = w.Write([]byte(`{"elements":[{"tags":{"maxspeed":"30 mph"}}]}`))
	}))
	defer server.Close()

	remote := newRemote(server.URL)
	candidate, err := remote.Resolve(context.Background(), models.Fix{Latitude: eiffelLat, Longitude: eiffelLon})

	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "30 mph", candidate.SpeedLimit)
	assert.Contains(t, gotData, "around:20,")
	assert.Equal(t, "remote_query", remote.Name())
}
