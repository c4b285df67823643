package entur

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"sxwatch.onebusaway.org/internal/gtfsrt"
	"sxwatch.onebusaway.org/internal/logging"
	"sxwatch.onebusaway.org/internal/poller"
	"sxwatch.onebusaway.org/internal/siri"
)

const (
	DefaultSXURL         = "https://api.entur.io/realtime/v1/rest/sx"
	DefaultGraphQLURL    = "https://api.entur.io/journey-planner/v3/graphql"
	DefaultClientName    = "sxwatch"
	DefaultClientTimeout = 30 * time.Second

	clientNameHeader = "ET-Client-Name"
)

// ClientOptions is shared by the Entur clients. Zero values select defaults.
type ClientOptions struct {
	BaseURL    string
	ClientName string
	HTTPClient *http.Client
	// MinInterval paces requests client-side. Zero disables pacing.
	MinInterval time.Duration
	Logger      *slog.Logger
}

type transport struct {
	client     *http.Client
	clientName string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func newTransport(opts ClientOptions, component string) transport {
	t := transport{
		client:     opts.HTTPClient,
		clientName: opts.ClientName,
		logger:     opts.Logger,
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: DefaultClientTimeout}
	}
	if t.clientName == "" {
		t.clientName = DefaultClientName
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With(slog.String("component", component))
	if opts.MinInterval > 0 {
		t.limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	return t
}

// do sends req and returns the body of a 200 response.
func (t transport) do(req *http.Request) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("waiting for request slot: %w", err)
		}
	}
	req.Header.Set(clientNameHeader, t.clientName)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer logging.SafeCloseWithLogging(resp.Body, t.logger, "http_response_body")

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, statusError(resp)
	}
	return io.ReadAll(resp.Body)
}

// SXClient fetches the SIRI-SX situation exchange feed.
type SXClient struct {
	transport
	url string
}

// NewSXClient returns a client for operator's dataset, or for all
// operators when operator is empty.
func NewSXClient(operator string, opts ClientOptions) (*SXClient, error) {
	base := opts.BaseURL
	if base == "" {
		base = DefaultSXURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid SIRI-SX url %q: %w", base, err)
	}
	if operator != "" {
		q := u.Query()
		q.Set("datasetId", operator)
		u.RawQuery = q.Encode()
	}
	return &SXClient{transport: newTransport(opts, "entur_sx_client"), url: u.String()}, nil
}

// URL is the endpoint the client polls.
func (c *SXClient) URL() string { return c.url }

// FetchDocument downloads and decodes one SIRI-SX snapshot.
func (c *SXClient) FetchDocument(ctx context.Context) (*siri.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching SIRI-SX: %w", err)
	}
	doc, err := siri.DecodeBytes(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("fetched SIRI-SX document",
		slog.Int("bytes", len(body)),
		slog.Int("elements", doc.ElementCount()))
	return doc, nil
}

// Fetch implements poller.Fetcher.
func (c *SXClient) Fetch(ctx context.Context) (poller.Payload, error) {
	doc, err := c.FetchDocument(ctx)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GTFSRTClient fetches a GTFS-RT service alerts feed.
type GTFSRTClient struct {
	transport
	url     string
	headers map[string]string
}

func NewGTFSRTClient(feedURL string, headers map[string]string, opts ClientOptions) (*GTFSRTClient, error) {
	if _, err := url.ParseRequestURI(feedURL); err != nil {
		return nil, fmt.Errorf("invalid GTFS-RT url %q: %w", feedURL, err)
	}
	return &GTFSRTClient{
		transport: newTransport(opts, "gtfs_realtime_downloader"),
		url:       feedURL,
		headers:   headers,
	}, nil
}

func (c *GTFSRTClient) URL() string { return c.url }

func (c *GTFSRTClient) FetchFeed(ctx context.Context) (*gtfsrt.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	for key, value := range c.headers {
		req.Header.Add(key, value)
	}

	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching GTFS-RT alerts: %w", err)
	}
	return gtfsrt.Parse(body)
}

// Fetch implements poller.Fetcher.
func (c *GTFSRTClient) Fetch(ctx context.Context) (poller.Payload, error) {
	feed, err := c.FetchFeed(ctx)
	if err != nil {
		return nil, err
	}
	return feed, nil
}
