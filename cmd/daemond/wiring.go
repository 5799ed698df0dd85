package main

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/bdaemon/agentd/internal/agentbridge"
	"github.com/bdaemon/agentd/internal/auth"
	"github.com/bdaemon/agentd/internal/config"
	"github.com/bdaemon/agentd/internal/daemonlog"
	"github.com/bdaemon/agentd/internal/handlers"
	"github.com/bdaemon/agentd/internal/ipc"
	"github.com/bdaemon/agentd/internal/metrics"
	"github.com/bdaemon/agentd/internal/realtime"
	"github.com/bdaemon/agentd/internal/remoteapi"
	"github.com/bdaemon/agentd/internal/remotecmd"
	"github.com/bdaemon/agentd/internal/secrets"
	"github.com/bdaemon/agentd/internal/sink"
	"github.com/bdaemon/agentd/internal/statuscoalescer"
	"github.com/bdaemon/agentd/internal/store"
	"github.com/bdaemon/agentd/internal/syncworker"
	"github.com/bdaemon/agentd/internal/toolbridge"
)

// daemon bundles every long-lived component the start command runs,
// so run and shutdown have one receiver to work with instead of a
// sprawl of package-level globals.
type daemon struct {
	cfg config.Config

	db    *sql.DB
	store *store.Store

	secretStore *secrets.FileStore
	authMgr     *auth.Manager
	syncer      *syncworker.Worker
	hotSyncer   *syncworker.RealtimeSyncer
	coalescer   *statuscoalescer.Coalescer
	realtimeCli *realtime.Client
	cmdListener *realtime.Listener
	remoteCli   *remoteapi.Client
	dispatcher  *remotecmd.Dispatcher
	metricsP    *metrics.Provider

	hub    *ipc.Hub
	server *ipc.Server
}

func newDaemon(cfg config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg}

	secretsPath := filepath.Join(filepath.Dir(cfg.DBPath), "secrets.json")
	d.secretStore = secrets.NewFileStore(secretsPath)
	deviceKey, err := secrets.LoadOrCreateDeviceKey(d.secretStore)
	if err != nil {
		return nil, fmt.Errorf("daemond: device key: %w", err)
	}

	sqlDB, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("daemond: open store: %w", err)
	}
	d.db = sqlDB

	fanout := &sink.Fanout{}
	d.store = store.New(sqlDB, fanout)

	d.hub = ipc.NewHub()

	d.authMgr = auth.New(cfg.Auth, d.secretStore, nil, func(n auth.Notification) {
		d.hub.Publish("", ipc.EventAuthStateChanged, n)
		if d.metricsP != nil {
			d.metricsP.RecordAuthState(context.Background(), string(n.State))
		}
		d.onAuthStateChanged(n)
	})
	d.remoteCli = remoteapi.New(cfg.RemoteAPI, d.authMgr)

	keys := syncworker.NewKeyResolver(d.store, deviceKey, nil, 256)
	d.syncer = syncworker.New(cfg.Sync, d.store, d.remoteCli, keys)

	if cfg.RealtimeSocketPath != "" {
		d.realtimeCli = realtime.NewClient(realtime.Config{SocketPath: cfg.RealtimeSocketPath})
	}

	var hot statuscoalescer.HotPublisher
	if d.realtimeCli != nil {
		hot = &realtimeStatusPublisher{client: d.realtimeCli}
	}
	d.coalescer = statuscoalescer.New(cfg.Coalescer.FlushInterval, hot, d.remoteCli)

	fanout.Outbound = d.syncer
	if d.realtimeCli != nil {
		d.hotSyncer = syncworker.NewRealtimeSyncer(d.store, d.realtimeCli, keys, cfg.DeviceID, cfg.Sync.FlushInterval, cfg.Sync.BatchSize)
		fanout.Realtime = d.hotSyncer
	}
	fanout.Coalescer = d.coalescer
	fanout.Metadata = &repoMetadataProvider{store: d.store}
	fanout.Remote = d.remoteCli

	var respPublisher remotecmd.ResponsePublisher
	if d.realtimeCli != nil {
		respPublisher = &remoteCommandResponsePublisher{client: d.realtimeCli}
	}
	d.dispatcher = remotecmd.New(cfg.RemoteCmd, respPublisher, d.remoteCli, d.remoteCli)

	if cfg.CommandSocketPath != "" {
		ingress := &commandIngress{dispatcher: d.dispatcher, auth: d.authMgr, deviceID: cfg.DeviceID}
		d.cmdListener = realtime.NewListener(cfg.CommandSocketPath, ingress.handle)
	}

	metricsP, err := metrics.New(cfg.DeviceID, pendingSyncCounter(d.store))
	if err != nil {
		return nil, fmt.Errorf("daemond: metrics: %w", err)
	}
	d.metricsP = metricsP

	d.server = ipc.NewServer(cfg.SocketPath, d.hub, 0)
	d.server.SetSnapshotProvider(&sessionSnapshotAdapter{store: d.store})
	d.server.SetRequestObserver(func(method string, failed bool) {
		d.metricsP.RecordIPCRequest(context.Background(), method, failed)
	})

	deps := &handlers.Deps{
		Store:      d.store,
		Auth:       d.authMgr,
		Dispatcher: d.dispatcher,
		Hub:        d.hub,
		Quota:      d.remoteCli,
		Agent:      agentbridge.StubRunner{},
		Keys:       keys,
		Git:        toolbridge.StubGit{},
		GH:         toolbridge.StubGH{},
		Terminal:   toolbridge.StubTerminal{},
		DeviceID:   cfg.DeviceID,
		FileOps:    cfg.FileOps,
	}
	if d.realtimeCli != nil {
		deps.Secrets = &sessionSecretPublisher{client: d.realtimeCli, deviceID: cfg.DeviceID}
	}
	handlers.RegisterAll(d.server, deps)
	handlers.RegisterCommands(d.dispatcher, deps)

	return d, nil
}

// onAuthStateChanged keeps the cold-path syncer's credentials in step
// with the auth manager: a session is only worth syncing while the
// daemon actually holds a usable token.
func (d *daemon) onAuthStateChanged(n auth.Notification) {
	if n.State != auth.LoggedIn {
		d.syncer.ClearContext()
		return
	}
	token, err := d.authMgr.GetValidToken(context.Background())
	if err != nil {
		d.syncer.ClearContext()
		return
	}
	d.syncer.SetContext(syncworker.SyncContext{AccessToken: token, UserID: n.UserID, DeviceID: d.cfg.DeviceID})
}

// run starts every background loop and blocks serving IPC until ctx is
// canceled.
func (d *daemon) run(ctx context.Context) error {
	go d.syncer.Run(ctx)
	if d.hotSyncer != nil {
		go d.hotSyncer.Run(ctx)
	}
	go d.coalescer.Run(ctx)
	go d.dispatcher.RunQuotaRefresh(ctx, func() (string, string, bool) {
		userID, _, ok := d.authMgr.CurrentUser()
		return userID, d.cfg.DeviceID, ok
	})
	if d.cmdListener != nil {
		go func() {
			if err := d.cmdListener.Start(ctx); err != nil {
				daemonlog.Errorf("daemond: command listener: %v", err)
			}
		}()
	}
	d.authMgr.ValidateSessionOnStartup(ctx)
	return d.server.Start(ctx)
}

// shutdown closes the components that hold real resources. It does not
// take a context: every close here is expected to return promptly.
func (d *daemon) shutdown() {
	_ = d.server.Stop()
	if d.cmdListener != nil {
		_ = d.cmdListener.Stop()
	}
	if d.realtimeCli != nil {
		_ = d.realtimeCli.Close()
	}
	if d.metricsP != nil {
		_ = d.metricsP.Shutdown(context.Background())
	}
	if d.db != nil {
		_ = d.db.Close()
	}
}
