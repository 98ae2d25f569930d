package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/valyala/fasthttp"

	"chatsync/pkg/async"
	"chatsync/pkg/attachment"
	"chatsync/pkg/config"
	"chatsync/pkg/coordinator"
	"chatsync/pkg/directory"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/observe"
	"chatsync/pkg/remote"
	"chatsync/pkg/store"
	"chatsync/pkg/thread"
)

// Devices are the platform audio devices. Either may be nil: recording then
// fails with PermissionDenied and playback is unavailable.
type Devices struct {
	Microphone attachment.Microphone
	Speaker    attachment.Speaker
}

type Options struct {
	Version string
	Devices Devices
	// API replaces the HTTP client; tests pass an in-memory backend.
	API remote.API
}

// App groups the engine components and their lifecycle.
type App struct {
	eff     config.EffectiveConfigResult
	version string
	state   string

	db      *store.Store
	api     remote.API
	scope   *async.Scope
	surface *observe.Surface

	Directory   *directory.Directory
	Threads     *thread.Store
	Media       *attachment.Pipeline
	Coordinator *coordinator.Coordinator

	scheduler       *coordinator.Scheduler
	schedulerCancel context.CancelFunc
	srvFast         *fasthttp.Server
}

// New opens the local store and builds the engine. It starts nothing; Run
// starts the scheduler and the metrics endpoint.
func New(eff config.EffectiveConfigResult, opts Options) (*App, error) {
	cfg := eff.Config
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}

	var (
		db  *store.Store
		err error
	)
	if cfg.Store.InMemory {
		db, err = store.OpenInMemory()
	} else {
		db, err = store.Open(cfg.Store.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Store.Path, err)
	}

	api := opts.API
	if api == nil {
		hc, err := remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL:   cfg.Remote.BaseURL,
			Timeout:   cfg.Remote.Timeout.Duration(),
			RateRPS:   cfg.Remote.RateLimit.RPS,
			RateBurst: cfg.Remote.RateLimit.Burst,
		}, remote.StaticToken(cfg.Remote.Token))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		api = hc
	}

	a := &App{
		eff:     eff,
		version: opts.Version,
		state:   "initialized",
		db:      db,
		api:     api,
		scope:   async.NewScope(context.Background()),
		surface: observe.NewSurface(),
	}
	a.wire(cfg, opts.Devices)
	return a, nil
}

func (a *App) wire(cfg *config.Config, dev Devices) {
	self := cfg.Account.UserID

	a.Media = attachment.New(a.api, attachment.Options{
		Microphone:     dev.Microphone,
		Speaker:        dev.Speaker,
		Blobs:          a.db.Blobs(),
		MaxUploadBytes: cfg.Attachment.MaxUploadBytes.Int64(),
		PlaybackTick:   cfg.Attachment.PlaybackTick.Duration(),
		Playback:       a.surface.Playback,
		Status:         a.surface.AttachStatus,
		Scope:          a.scope,
	})
	a.Directory = directory.New(a.api, directory.Options{
		SelfID:        self,
		StaleAfter:    cfg.Directory.StaleAfter.Duration(),
		Snapshots:     a.db,
		Conversations: a.surface.Conversations,
		Status:        a.surface.DirectoryStatus,
		Scope:         a.scope,
	})
	a.Threads = thread.New(a.api, thread.Options{
		SelfID:    self,
		Reads:     a.Directory,
		Snapshots: a.db,
		AudioSender: func(conversationID, blobID string) thread.Sender {
			return a.Media.AudioSender(conversationID, blobID)
		},
		OnDiscard: func(m models.Message) {
			if id, ok := m.AudioRef.LocalBlobID(); ok {
				a.Media.DiscardBlob(id)
			}
		},
		Scope: a.scope,
	})
	a.Coordinator = coordinator.New(a.Directory, a.Threads, a.Media, coordinator.Options{
		Surface: a.surface,
		Scope:   async.NewScope(a.scope.Context()),
	})
	if cfg.Sync.IsEnabled() {
		a.scheduler = coordinator.NewScheduler(cfg.Sync.RefreshCron, a.Coordinator.Refresh)
	}
}

func (a *App) Surface() *observe.Surface { return a.surface }

func (a *App) State() string { return a.state }

// Run refreshes the directory, starts the scheduler and the metrics endpoint,
// and blocks until ctx is cancelled or the metrics server fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()
	a.state = "running"

	if err := a.Coordinator.Refresh(ctx); err != nil {
		logger.Warn("initial_refresh_failed", "error", err)
	}
	if a.scheduler != nil {
		cancel, err := a.scheduler.Start(ctx)
		if err != nil {
			return err
		}
		a.schedulerCancel = cancel
	}

	errCh := a.startMetrics()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) printBanner() {
	summary := a.eff.Config.Summary()
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]string, 0, len(keys)+2)
	items = append(items, fmt.Sprintf("version: %s", a.version))
	if a.eff.FileFound {
		items = append(items, fmt.Sprintf("config: %s", a.eff.ConfigPath))
	}
	for _, k := range keys {
		items = append(items, fmt.Sprintf("%s: %s", k, summary[k]))
	}
	logger.LogConfigSummary("chatsync_config", items)
}
