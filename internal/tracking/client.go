package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/skyfleet/tracker/internal/geo"
	"github.com/skyfleet/tracker/internal/observability"
	"github.com/skyfleet/tracker/pkg/logger"
)

// Positional indices of the upstream state-vector array.
const (
	stateIdxICAO = iota
	stateIdxCallsign
	stateIdxCountry
	stateIdxTimePosition
	stateIdxLastContact
	stateIdxLongitude
	stateIdxLatitude
	stateIdxBaroAltitude
	stateIdxOnGround
	stateIdxVelocity
	stateIdxTrueTrack
)

// stateEnvelope is the upstream response shape for both REST and WebSocket.
type stateEnvelope struct {
	Time   int64           `json:"time"`
	States [][]interface{} `json:"states"`
}

// FetchClient talks to the upstream REST endpoint, parses the positional
// array wire format into typed records, validates field ranges, and retries
// with exponential backoff on transient failure.
type FetchClient struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	pacer      *rate.Limiter
	retry      RetryConfig
	logger     *logger.Logger
}

// FetchClientOptions configures a FetchClient.
type FetchClientOptions struct {
	BaseURL           string
	Username          string // "" = anonymous (lower upstream quotas)
	Password          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Retry             RetryConfig
}

// NewFetchClient creates a client for the upstream states endpoint.
func NewFetchClient(opts FetchClientOptions, loggerObj *logger.Logger) *FetchClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	pacerRate := rate.Inf
	if opts.RequestsPerSecond > 0 {
		pacerRate = rate.Limit(opts.RequestsPerSecond)
	}
	return &FetchClient{
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    opts.BaseURL,
		username:   opts.Username,
		password:   opts.Password,
		pacer:      rate.NewLimiter(pacerRate, 1),
		retry:      opts.Retry,
		logger:     loggerObj.Named("fetch-cli"),
	}
}

// FetchPositions fetches current positions for the given icao24 ids. Rows
// failing validation or parse are dropped without aborting the batch. On 429
// a *RateLimitError surfaces without short-loop retries so the caller's outer
// limiter backs off; 403 surfaces as *AuthenticationError.
func (c *FetchClient) FetchPositions(ctx context.Context, ids []string) ([]PositionRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var records []PositionRecord
	err := RetryWithBackoff(ctx, c.retry, func() error {
		batch, err := c.fetchOnce(ctx, ids)
		if err != nil {
			return err
		}
		records = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (c *FetchClient) fetchOnce(ctx context.Context, ids []string) ([]PositionRecord, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, &NetworkError{Err: err}
	}

	reqURL := fmt.Sprintf("%s?time=%d&icao24=%s",
		c.baseURL, time.Now().Unix(), url.QueryEscape(strings.Join(ids, ",")))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	c.logger.Debug("Fetching positions",
		logger.Int("id_count", len(ids)),
		logger.String("url", c.baseURL))

	observability.UpstreamRequests.Inc()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.UpstreamErrors.Inc()
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		observability.UpstreamRateLimited.Inc()
		return nil, &RateLimitError{RetryAfter: retryAfterHint(resp)}
	case http.StatusForbidden, http.StatusUnauthorized:
		observability.UpstreamErrors.Inc()
		return nil, &AuthenticationError{Status: resp.StatusCode}
	default:
		observability.UpstreamErrors.Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("Unexpected upstream status",
			logger.Int("status_code", resp.StatusCode),
			logger.String("body", string(body)))
		return nil, &NetworkError{Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	var envelope stateEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &InvalidDataError{Err: err}
	}

	records := parseStates(envelope.States, envelope.Time, c.logger)

	c.logger.Debug("Fetched positions",
		logger.Int("requested", len(ids)),
		logger.Int("returned", len(records)))

	return records, nil
}

// parseStates converts positional state arrays into validated records.
// Malformed or out-of-range rows are dropped; the batch continues.
func parseStates(states [][]interface{}, envelopeTime int64, loggerObj *logger.Logger) []PositionRecord {
	records := make([]PositionRecord, 0, len(states))
	for _, s := range states {
		record, err := parseStateVector(s, envelopeTime)
		if err != nil {
			observability.RecordsDropped.Inc()
			loggerObj.Debug("Dropped state vector", logger.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records
}

// parseStateVector defensively extracts one positional row. Unknown velocity
// and heading become ValueMissing; missing position fields fail validation.
func parseStateVector(s []interface{}, envelopeTime int64) (PositionRecord, error) {
	record := PositionRecord{
		GroundSpeed: ValueMissing,
		Heading:     ValueMissing,
		Latitude:    -999,
		Longitude:   -999,
	}

	if v, ok := stringAt(s, stateIdxICAO); ok {
		record.ICAO = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := stringAt(s, stateIdxCallsign); ok {
		record.Callsign = strings.TrimSpace(v)
	}
	if v, ok := stringAt(s, stateIdxCountry); ok {
		record.OriginCountry = v
	}
	if v, ok := floatAt(s, stateIdxLastContact); ok {
		record.LastContact = int64(v)
	} else if envelopeTime > 0 {
		record.LastContact = envelopeTime
	}
	if v, ok := floatAt(s, stateIdxLongitude); ok {
		record.Longitude = v
	}
	if v, ok := floatAt(s, stateIdxLatitude); ok {
		record.Latitude = v
	}
	if v, ok := floatAt(s, stateIdxBaroAltitude); ok {
		record.Altitude = v * geo.MetersToFeet
	}
	if v, ok := boolAt(s, stateIdxOnGround); ok {
		record.OnGround = v
	}
	if v, ok := floatAt(s, stateIdxVelocity); ok {
		record.GroundSpeed = v * geo.MsToKnots
	}
	if v, ok := floatAt(s, stateIdxTrueTrack); ok {
		// Some sources report 360.0 for due north.
		if v == 360 {
			v = 0
		}
		record.Heading = v
	}

	if err := record.Validate(); err != nil {
		return PositionRecord{}, err
	}
	return record, nil
}

func stringAt(s []interface{}, idx int) (string, bool) {
	if idx >= len(s) {
		return "", false
	}
	v, ok := s[idx].(string)
	return v, ok
}

func floatAt(s []interface{}, idx int) (float64, bool) {
	if idx >= len(s) {
		return 0, false
	}
	v, ok := s[idx].(float64)
	return v, ok
}

func boolAt(s []interface{}, idx int) (bool, bool) {
	if idx >= len(s) {
		return false, false
	}
	v, ok := s[idx].(bool)
	return v, ok
}

func retryAfterHint(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
