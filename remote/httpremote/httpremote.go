// Package httpremote implements synccache.Remote over a JSON REST resource.
//
//	GET    {base}/{resource}?k=v   List
//	GET    {base}/{resource}/{id}  Get
//	POST   {base}/{resource}       Create
//	PATCH  {base}/{resource}/{id}  Update (JSON merge patch)
//	DELETE {base}/{resource}/{id}  Delete
//
// Failures are classified for the cache: transport errors, 5xx, 408 and 429
// are network errors; 401/403 auth; 400/422 validation; 409/412 conflict.
// Requests run through a circuit breaker that only counts network errors.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/unkn0wn-root/synccache"
)

// HTTPError is a response with an unexpected status.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, body)
}

type BreakerConfig struct {
	MaxRequests  uint32        // requests allowed while half-open; default 5
	Interval     time.Duration // closed-state counter reset; default 30s
	Timeout      time.Duration // open -> half-open; default 60s
	MinRequests  uint32        // requests before the ratio is evaluated; default 5
	FailureRatio float64       // default 0.8
}

type Config struct {
	BaseURL  string
	Resource string // path segment, e.g. "tasks"

	// HTTPClient defaults to a client with a 30s timeout. When TokenSource
	// is set, it is used as the base transport for an oauth2 client.
	HTTPClient  *http.Client
	TokenSource oauth2.TokenSource

	Breaker BreakerConfig
	Logger  synccache.Logger
}

type Remote[T synccache.Entity] struct {
	base   *url.URL
	client *http.Client
	cb     *gobreaker.CircuitBreaker
	log    synccache.Logger
}

var _ synccache.Remote[entity] = (*Remote[entity])(nil)

type entity struct{ ID string }

func (e entity) EntityID() string { return e.ID }

func New[T synccache.Entity](cfg Config) (*Remote[T], error) {
	if cfg.BaseURL == "" || cfg.Resource == "" {
		return nil, errors.New("httpremote: base url and resource are required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/" + url.PathEscape(cfg.Resource))
	if err != nil {
		return nil, fmt.Errorf("httpremote: invalid base url: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.TokenSource != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, cfg.TokenSource)
	}

	log := cfg.Logger
	if log == nil {
		log = synccache.NopLogger{}
	}

	bc := cfg.Breaker
	if bc.MaxRequests == 0 {
		bc.MaxRequests = 5
	}
	if bc.Interval <= 0 {
		bc.Interval = 30 * time.Second
	}
	if bc.Timeout <= 0 {
		bc.Timeout = 60 * time.Second
	}
	if bc.MinRequests == 0 {
		bc.MinRequests = 5
	}
	if bc.FailureRatio <= 0 {
		bc.FailureRatio = 0.8
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "httpremote:" + cfg.Resource,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", synccache.Fields{"name": name, "from": from.String(), "to": to.String()})
		},
		// a rejected write is the server working as intended
		IsSuccessful: func(err error) bool {
			return err == nil || synccache.KindOf(err) != synccache.KindNetwork
		},
	})

	return &Remote[T]{base: base, client: client, cb: cb, log: log}, nil
}

func (r *Remote[T]) List(ctx context.Context, f synccache.Filter) ([]T, error) {
	u := *r.base
	u.RawQuery = query(f).Encode()
	var out []T
	if err := r.do(ctx, "list", http.MethodGet, u.String(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote[T]) Get(ctx context.Context, id string) (T, error) {
	var out T
	err := r.do(ctx, "get", http.MethodGet, r.itemURL(id), nil, &out)
	return out, err
}

func (r *Remote[T]) Create(ctx context.Context, in T) (T, error) {
	var out T
	err := r.do(ctx, "create", http.MethodPost, r.base.String(), in, &out)
	return out, err
}

func (r *Remote[T]) Update(ctx context.Context, id string, p synccache.Patch) (T, error) {
	var out T
	err := r.do(ctx, "update", http.MethodPatch, r.itemURL(id), p, &out)
	return out, err
}

func (r *Remote[T]) Delete(ctx context.Context, id string) error {
	err := r.do(ctx, "delete", http.MethodDelete, r.itemURL(id), nil, nil)
	var he *HTTPError
	if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
		// already gone
		return nil
	}
	return err
}

func (r *Remote[T]) itemURL(id string) string {
	return r.base.String() + "/" + url.PathEscape(id)
}

// State reports the circuit breaker state.
func (r *Remote[T]) State() gobreaker.State { return r.cb.State() }

func (r *Remote[T]) do(ctx context.Context, op, method, u string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return synccache.ValidationError(op, err)
		}
		body = b
	}

	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.roundTrip(ctx, op, method, u, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return synccache.NetworkError(op, err)
	}
	if err != nil {
		return err
	}
	data, _ := res.([]byte)
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (r *Remote[T]) roundTrip(ctx context.Context, op, method, u string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		if method == http.MethodPatch {
			req.Header.Set("Content-Type", "application/merge-patch+json")
		} else {
			req.Header.Set("Content-Type", "application/json")
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, synccache.NetworkError(op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	r.log.Debug("remote call failed", synccache.Fields{"op": op, "method": method, "status": resp.StatusCode})
	return nil, classifyStatus(op, &HTTPError{StatusCode: resp.StatusCode, Body: data})
}

func classifyTransport(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return synccache.AuthError(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return synccache.NetworkError(op, err)
}

func classifyStatus(op string, he *HTTPError) error {
	switch s := he.StatusCode; {
	case s == http.StatusUnauthorized || s == http.StatusForbidden:
		return synccache.AuthError(op, he)
	case s == http.StatusBadRequest || s == http.StatusUnprocessableEntity:
		return synccache.ValidationError(op, he)
	case s == http.StatusConflict || s == http.StatusPreconditionFailed:
		return synccache.ConflictError(op, he)
	case s >= 500 || s == http.StatusRequestTimeout || s == http.StatusTooManyRequests:
		return synccache.NetworkError(op, he)
	default:
		return he
	}
}

// query renders a filter as sorted query parameters.
func query(f synccache.Filter) url.Values {
	q := url.Values{}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := f[k].(type) {
		case nil:
		case []string:
			for _, s := range v {
				q.Add(k, s)
			}
		case []any:
			for _, s := range v {
				q.Add(k, fmt.Sprint(s))
			}
		default:
			q.Set(k, fmt.Sprint(v))
		}
	}
	return q
}
