package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/unkn0wn-root/synccache"
	"github.com/unkn0wn-root/synccache/genstore"
	asynchook "github.com/unkn0wn-root/synccache/hooks/async"
	"github.com/unkn0wn-root/synccache/hooks/promhooks"
	"github.com/unkn0wn-root/synccache/remote/httpremote"
)

// record is an arbitrary JSON object identified by its "id" field.
type record map[string]any

func (r record) EntityID() string {
	switch id := r["id"].(type) {
	case string:
		return id
	case float64:
		return fmt.Sprint(id)
	}
	return ""
}

var tailCmd = &cobra.Command{
	Use:   "tail RESOURCE...",
	Short: "Print every change of the listed REST collections",
	Long: `Load {api}/{resource} for every RESOURCE, keep the lists synced and print
each new state as one JSON line on stdout.

Resources double as push topics: an event for entity "tasks" marks the
"tasks" list stale and refetches it.

Example usage:
  synctail tail --api http://localhost:8080/v1 tasks notes
  synctail tail --api http://localhost:8080/v1 --filter status=todo --transport ws --ws-url ws://localhost:8080/events tasks
  synctail tail --api https://api.example.com --token $TOKEN --policies policies.yaml --metrics :9102 tasks`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTail,
}

func init() {
	tailCmd.Flags().String("api", "", "REST base URL (required)")
	tailCmd.Flags().String("namespace", "synctail", "cache namespace")
	tailCmd.Flags().StringSlice("filter", nil, "list filter as key=value (repeatable)")
	tailCmd.Flags().String("token", "", "bearer token for the API")
	tailCmd.Flags().String("policies", "", "YAML policy file")
	tailCmd.Flags().Bool("shared-gens", false, "keep generations in Redis (--redis-addr)")
	tailCmd.Flags().String("metrics", "", "serve Prometheus metrics on this address")
	_ = tailCmd.MarkFlagRequired("api")
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, resources []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log, sync, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer sync()

	opts, cleanup, err := cacheOptions(cmd, log)
	if err != nil {
		return err
	}
	defer cleanup()

	cache, err := synccache.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = cache.Close(closeCtx)
	}()

	flags := cmd.Flags()
	api, _ := flags.GetString("api")
	token, _ := flags.GetString("token")
	ns, _ := flags.GetString("namespace")
	rawFilter, _ := flags.GetStringSlice("filter")
	filter, err := parseFilter(rawFilter)
	if err != nil {
		return err
	}

	out := newLineWriter(cmd.OutOrStdout())
	for _, res := range resources {
		cfg := httpremote.Config{BaseURL: api, Resource: res, Logger: log}
		if token != "" {
			cfg.TokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		}
		remote, err := httpremote.New[record](cfg)
		if err != nil {
			return err
		}
		col := synccache.NewCollection[record](cache, ns, res, remote, synccache.CollectionOptions[record]{})

		q := col.List(filter, func(r synccache.Result[[]record]) {
			_ = out.Write(line(res, r))
		})
		defer q.Close()
	}

	ch, closeCh, err := transport(ctx, cmd, log)
	if err != nil {
		return err
	}
	defer closeCh()

	log.Info("tailing", synccache.Fields{"resources": strings.Join(resources, ","), "api": api})
	err = cache.Listen(ctx, ch, resources...)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type tailLine struct {
	Resource string    `json:"resource"`
	Status   string    `json:"status"`
	Pending  bool      `json:"pending,omitempty"`
	Items    []record  `json:"items,omitempty"`
	Error    string    `json:"error,omitempty"`
	Fetched  time.Time `json:"fetched_at,omitempty"`
}

// lineWriter serializes JSON lines from subscriber callbacks, which may run
// on different goroutines.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter { return &lineWriter{enc: json.NewEncoder(w)} }

func (w *lineWriter) Write(l tailLine) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(l)
}

func line(res string, r synccache.Result[[]record]) tailLine {
	l := tailLine{Resource: res, Status: r.Status.String(), Pending: r.Pending, Items: r.Data, Fetched: r.FetchedAt}
	if r.Err != nil {
		l.Error = r.Err.Error()
	}
	return l
}

func cacheOptions(cmd *cobra.Command, log synccache.Logger) (synccache.Options, func(), error) {
	flags := cmd.Flags()
	opts := synccache.Options{
		Logger: log,
		OnAuthError: func(err error) {
			log.Error("API rejected credentials", synccache.Fields{"err": err})
		},
	}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if path, _ := flags.GetString("policies"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return opts, cleanup, err
		}
		def, set, err := synccache.LoadPolicies(f)
		_ = f.Close()
		if err != nil {
			return opts, cleanup, err
		}
		opts.DefaultPolicy, opts.Policies = def, set
	}

	if shared, _ := flags.GetBool("shared-gens"); shared {
		addr, _ := flags.GetString("redis-addr")
		gs, err := genstore.NewRedisGenStore(genstore.RedisConfig{
			Client:      goredis.NewClient(&goredis.Options{Addr: addr}),
			Namespace:   "synctail",
			TTL:         24 * time.Hour,
			CloseClient: true,
		})
		if err != nil {
			return opts, cleanup, err
		}
		opts.GenStore = gs
	}

	if addr, _ := flags.GetString("metrics"); addr != "" {
		reg := prometheus.NewRegistry()
		ph, err := promhooks.New("synctail", reg)
		if err != nil {
			return opts, cleanup, err
		}
		hooks := asynchook.New(ph, 1, 1024)
		cleanups = append(cleanups, hooks.Close)
		opts.Hooks = hooks

		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", synccache.Fields{"err": err})
			}
		}()
		cleanups = append(cleanups, func() { _ = srv.Close() })
	}
	return opts, cleanup, nil
}

// parseFilter reads key=value pairs. Repeated keys collect into a list.
func parseFilter(pairs []string) (synccache.Filter, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	f := make(synccache.Filter, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q, want key=value", p)
		}
		switch cur := f[k].(type) {
		case nil:
			f[k] = v
		case string:
			f[k] = []string{cur, v}
		case []string:
			f[k] = append(cur, v)
		}
	}
	return f, nil
}
