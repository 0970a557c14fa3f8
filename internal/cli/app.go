package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"qm/internal/auth"
	"qm/internal/calendars"
	"qm/internal/config"
	"qm/internal/gapi"
	"qm/internal/gcal"
	"qm/internal/gscript"
	"qm/internal/ics"
	appLog "qm/internal/log"
	"qm/internal/metrics"
	"qm/internal/queues"
	"qm/internal/retry"
	"qm/internal/scheduler"
	"qm/internal/store"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg   *config.Config
	store *store.Store
	creds *auth.Credentials

	metrics    *metrics.Recorder
	reconciler *queues.Reconciler
	opener     *queues.Opener
	scheduler  *scheduler.Scheduler
	discoverer *calendars.Discoverer
	renewer    *calendars.Renewer // nil without push channels
	feeds      *ics.Source        // nil unless source is ics
}

// loadConfig reads the config file, applies environment and flag overrides
// and configures logging.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
	}
	cfg.ApplyEnv()
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLog.SetOutput(os.Stderr, cfg.LogFormat)
	level := appLog.ParseLevel(cfg.LogLevel)
	if opts.Verbose {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)
	return cfg, nil
}

func newApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"database", cfg.Database,
		"source", cfg.Source,
		"tick", cfg.Schedule.Tick,
		"watch_renew", cfg.Schedule.WatchRenew,
		"open_policy", string(cfg.Reconcile.OpenPolicy),
		"freshness_window", cfg.Reconcile.FreshnessWindow.String(),
		"max_concurrency", cfg.Reconcile.MaxConcurrency,
		"calendars", len(cfg.Calendars),
		"discover", cfg.Google.Discover,
		"webhook", cfg.Google.WebhookURL != "",
	)

	creds, err := auth.Load(cfg.Google.CredentialsPath, cfg.Google.TokenPath, gapi.Scopes...)
	if err != nil {
		return nil, err
	}
	httpClient := creds.Client(ctx)

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: st, creds: creds, metrics: metrics.New(prometheus.DefaultRegisterer)}
	if err := a.wire(ctx, httpClient); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, httpClient *http.Client) error {
	cfg := a.cfg
	policy := retry.NewPolicy(a.creds, cfg.Reconcile.RetryDelay)

	scriptAPI, err := gscript.NewLowLevelAPI(ctx, httpClient)
	if err != nil {
		return fmt.Errorf("apps script client: %w", err)
	}
	forms := gscript.NewForms(scriptAPI, cfg.Google.ScriptID)

	configured := make([]string, 0, len(cfg.Calendars))
	for _, cal := range cfg.Calendars {
		configured = append(configured, cal.ID)
	}

	var source queues.EventSource
	switch cfg.Source {
	case config.SourceICS:
		cacheDir := filepath.Join(filepath.Dir(cfg.Database), "ics-cache")
		a.feeds = ics.NewSource(ics.NewFetcher(nil, cacheDir), cfg.Calendars, cfg.Reconcile.HorizonDays, nil)
		source = a.feeds
		a.discoverer = calendars.NewDiscoverer(a.store, nil, configured, policy)
	default:
		calAPI, err := gcal.NewLowLevelAPI(ctx, httpClient)
		if err != nil {
			return fmt.Errorf("calendar client: %w", err)
		}
		client := gcal.NewClient(calAPI, gcal.WithWebhook(cfg.Google.WebhookURL, cfg.Google.WebhookToken))
		source = client

		var owned calendars.OwnedLister
		if cfg.Google.Discover {
			owned = client
		}
		a.discoverer = calendars.NewDiscoverer(a.store, owned, configured, policy)
		if cfg.Google.WebhookURL != "" {
			a.renewer = calendars.NewRenewer(a.store, client, cfg.Google.ChannelMaxAge, policy, a.metrics)
		}
	}

	qopts := queues.Options{
		Prompt:          cfg.Reconcile.Prompt,
		FreshnessWindow: cfg.Reconcile.FreshnessWindow,
		Location:        cfg.Location(),
		MaxConcurrency:  cfg.Reconcile.MaxConcurrency,
		OpenPolicy:      cfg.Reconcile.OpenPolicy,
		Policy:          policy,
		Metrics:         a.metrics,
	}
	a.reconciler = queues.NewReconciler(source, forms, a.store, qopts)
	a.opener = queues.NewOpener(forms, a.store, qopts)

	var renewer scheduler.Renewer
	if a.renewer != nil {
		renewer = a.renewer
	}
	a.scheduler = scheduler.New(a.reconciler, a.opener, a.store, renewer, scheduler.Options{
		Tick:       cfg.Schedule.Tick,
		WatchRenew: cfg.Schedule.WatchRenew,
		Location:   cfg.Location(),
	})
	return nil
}

// discover seeds calendar records; failures are logged and not fatal.
func (a *app) discover(ctx context.Context) {
	created, err := a.discoverer.Discover(ctx)
	if err != nil {
		appLog.Error("calendar discovery incomplete", err)
	}
	if len(created) > 0 {
		appLog.Info("calendars added", "count", len(created))
	}
}

// warmFeeds pre-fetches ICS feeds; failures are logged and not fatal since
// each pass falls back to the disk cache.
func (a *app) warmFeeds(ctx context.Context) {
	if a.feeds == nil {
		return
	}
	if _, err := a.feeds.Warm(ctx); err != nil {
		appLog.Error("ics warm-up incomplete", err)
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("close store failed", err)
	}
}
