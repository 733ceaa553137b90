// Package overpass fetches tourism attractions around a point from the
// Overpass API.
package overpass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/model"
	"github.com/overpasskit/landmark-webhook/internal/observability"
)

// Kind classifies an upstream failure. Only transport failures are retried;
// every kind ends up recorded on the request as status ERROR.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindTransport   Kind = "transport"
	KindHTTPStatus  Kind = "http_status"
	KindBadResponse Kind = "bad_response"
)

// Error is the terminal upstream verdict. Callers that see any other error
// type (context cancellation) should treat the fetch as not attempted.
type Error struct {
	Kind   Kind
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindHTTPStatus:
		return fmt.Sprintf("overpass %s %d: %s", e.Kind, e.Status, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("overpass %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("overpass %s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Landmark is one element of the upstream result, reduced to what the
// pipeline persists.
type Landmark struct {
	OsmType model.OsmType
	OsmID   int64
	Name    string
	Lat     float64
	Lng     float64
	Tags    map[string]string
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

type Client struct {
	log        zerolog.Logger
	http       *http.Client
	baseURL    string
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the outbound client, for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(cfg Config, log zerolog.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://overpass-api.de/api"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	c := &Client{
		log:        log.With().Str("component", "overpass").Logger(),
		http:       newOutbound(),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newOutbound tunes the transport for a single long-lived upstream. The
// per-attempt deadline lives on the request context, not the client.
func newOutbound() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// QueryLandmarks runs the attraction query around (lat, lng). A nil error
// with an empty slice means the upstream answered and found nothing.
func (c *Client) QueryLandmarks(ctx context.Context, lat, lng float64, radiusMeters int) ([]Landmark, error) {
	query := buildQuery(lat, lng, radiusMeters)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("overpass query: %w", ctx.Err())
			case <-time.After(c.retryDelay):
			}
			c.log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("retrying overpass query")
		}

		landmarks, retryable, err := c.attempt(ctx, query)
		if err == nil {
			return landmarks, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, query string) (landmarks []Landmark, retryable bool, err error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.baseURL+"/interpreter", strings.NewReader(query))
	if err != nil {
		return nil, false, &Error{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Content-Type", "text/plain")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, false, fmt.Errorf("overpass query: %w", ctxErr)
		}
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			c.observe(start, KindTimeout)
			return nil, false, &Error{Kind: KindTimeout, Err: err}
		}
		c.observe(start, KindTransport)
		return nil, true, &Error{Kind: KindTransport, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		c.observe(start, KindHTTPStatus)
		return nil, false, &Error{
			Kind:   KindHTTPStatus,
			Status: resp.StatusCode,
			Msg:    strings.TrimSpace(string(snippet)),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(start, KindBadResponse)
		return nil, false, &Error{Kind: KindBadResponse, Err: err}
	}

	var payload response
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.observe(start, KindBadResponse)
		return nil, false, &Error{Kind: KindBadResponse, Err: err}
	}

	observability.ObserveUpstreamLatency("overpass", "ok", time.Since(start).Seconds())
	return c.convert(payload.Elements), false, nil
}

func (c *Client) observe(start time.Time, kind Kind) {
	observability.ObserveUpstreamLatency("overpass", string(kind), time.Since(start).Seconds())
}

func buildQuery(lat, lng float64, radiusMeters int) string {
	around := fmt.Sprintf("(around:%d,%.6f,%.6f)", radiusMeters, lat, lng)
	return fmt.Sprintf(`[out:json];(way["tourism"="attraction"]%s;relation["tourism"="attraction"]%s;);out center;`, around, around)
}

type response struct {
	Elements []element `json:"elements"`
}

type element struct {
	Type   string         `json:"type"`
	ID     int64          `json:"id"`
	Lat    float64        `json:"lat"`
	Lon    float64        `json:"lon"`
	Center *center        `json:"center"`
	Tags   map[string]any `json:"tags"`
}

type center struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c *Client) convert(elements []element) []Landmark {
	out := make([]Landmark, 0, len(elements))
	for _, el := range elements {
		osmType, ok := model.ParseOsmType(el.Type)
		if !ok {
			c.log.Warn().Str("element_type", el.Type).Int64("osm_id", el.ID).
				Msg("dropping element of unknown type")
			continue
		}
		lat, lng := el.Lat, el.Lon
		if el.Center != nil {
			lat, lng = el.Center.Lat, el.Center.Lon
		}
		tags := stringTags(el.Tags)
		out = append(out, Landmark{
			OsmType: osmType,
			OsmID:   el.ID,
			Name:    tags["name"],
			Lat:     lat,
			Lng:     lng,
			Tags:    tags,
		})
	}
	return out
}

func stringTags(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
