package speedsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/rs/zerolog"
)

const maxResponseBytes = 4 << 20

// RemoteConfig configures the remote query service client.
type RemoteConfig struct {
	Endpoint  string
	Timeout   time.Duration
	UserAgent string
}

// overpassResponse is the subset of the query service response we read.
type overpassResponse struct {
	Elements []struct {
		Tags map[string]string `json:"tags"`
	} `json:"elements"`
}

// RemoteQuery looks up tagged highway ways around a point on an Overpass
// compatible endpoint. One request is issued per lookup.
type RemoteQuery struct {
	endpoint     string
	userAgent    string
	client       *http.Client
	radiusMeters float64
	logger       zerolog.Logger
}

// NewRemoteQuery creates the remote source. A nil client gets a default one
// with the configured timeout.
func NewRemoteQuery(cfg RemoteConfig, client *http.Client, logger zerolog.Logger) *RemoteQuery {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = constants.DefaultRemoteEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &RemoteQuery{
		endpoint:     endpoint,
		userAgent:    cfg.UserAgent,
		client:       client,
		radiusMeters: constants.RemoteRadiusMeters,
		logger:       logger,
	}
}

// Name identifies the source in logs and metrics.
func (q *RemoteQuery) Name() string {
	return "remote_query"
}

// Resolve looks up the remote service with the remote radius. The service
// reports no distances, so the candidate distance is always zero.
func (q *RemoteQuery) Resolve(ctx context.Context, fix models.Fix) (*models.Candidate, error) {
	limit, err := q.LookupNear(ctx, fix.Latitude, fix.Longitude, q.radiusMeters)
	if err != nil || limit == nil {
		return nil, err
	}
	return &models.Candidate{SpeedLimit: *limit}, nil
}

// LookupNear returns the maxspeed tag of the first element in response order
// that carries one, or nil when the response is valid but untagged.
func (q *RemoteQuery) LookupNear(ctx context.Context, lat, lon, radiusMeters float64) (*string, error) {
	reqURL, err := q.buildURL(lat, lon, radiusMeters)
	if err != nil {
		return nil, newSourceError(KindNetworkFailure, "build request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, newSourceError(KindNetworkFailure, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if q.userAgent != "" {
		req.Header.Set("User-Agent", q.userAgent)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newSourceError(KindNetworkFailure, "request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, newSourceError(KindBadResponse, "response", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var body overpassResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newSourceError(KindBadResponse, "decode", err)
	}

	for _, el := range body.Elements {
		if limit, ok := el.Tags["maxspeed"]; ok {
			q.logger.Debug().Str("speed_limit", limit).Int("elements", len(body.Elements)).Msg("Remote speed limit found")
			return &limit, nil
		}
	}

	q.logger.Debug().Int("elements", len(body.Elements)).Msg("No tagged way in remote response")
	return nil, nil
}

func (q *RemoteQuery) buildURL(lat, lon, radiusMeters float64) (string, error) {
	u, err := url.Parse(q.endpoint)
	if err != nil {
		return "", err
	}

	params := u.Query()
	params.Set("data", OverpassQuery(lat, lon, radiusMeters))
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// OverpassQuery renders the query language text for ways tagged highway
// within radiusMeters of the point.
func OverpassQuery(lat, lon, radiusMeters float64) string {
	return fmt.Sprintf("[out:json];way(around:%s,%s,%s)[highway];out tags;",
		formatFloat(radiusMeters), formatFloat(lat), formatFloat(lon))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
