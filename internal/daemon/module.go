package daemon

import (
	"context"

	"github.com/matheus3301/matchwire/internal/api"
	"github.com/matheus3301/matchwire/internal/bus"
	"github.com/matheus3301/matchwire/internal/config"
	"github.com/matheus3301/matchwire/internal/conn"
	"github.com/matheus3301/matchwire/internal/dedup"
	"github.com/matheus3301/matchwire/internal/dispatch"
	"github.com/matheus3301/matchwire/internal/inbox"
	"github.com/matheus3301/matchwire/internal/kv"
	"github.com/matheus3301/matchwire/internal/lock"
	"github.com/matheus3301/matchwire/internal/logging"
	"github.com/matheus3301/matchwire/internal/outbox"
	"github.com/matheus3301/matchwire/internal/presence"
	"github.com/matheus3301/matchwire/internal/protocol"
	"github.com/matheus3301/matchwire/internal/receipts"
	"github.com/matheus3301/matchwire/internal/session"
	"github.com/matheus3301/matchwire/internal/status"
	"github.com/matheus3301/matchwire/internal/store"
	"github.com/matheus3301/matchwire/internal/transport"
	"github.com/matheus3301/matchwire/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	// Dialer overrides the WebSocket dialer, for tests.
	Dialer transport.Dialer
	// NoConnect keeps the daemon offline until a Connect call.
	NoConnect bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideProfile,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideKV,
			provideOutbox,
			provideDedup,
			providePresence,
			provideInbound,
			provideManager,
			provideTyping,
			provideReceipts,
			provideDispatcher,
			provideInbox,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideProfile(p Params) (*config.Profile, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	return config.LoadProfile(session.ProfilePath(p.ProfileName))
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by a
// second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideKV puts the sqlite kv table first and falls back to memory when
// a write to it fails.
func provideKV(db *store.DB, logger *zap.Logger) kv.Store {
	return kv.NewTiered(db, kv.NewMemory(), logger)
}

func provideOutbox(s kv.Store, b *bus.Bus, prof *config.Profile, logger *zap.Logger) *outbox.Outbox {
	return outbox.New(outbox.Options{Store: s, Bus: b, Logger: logger, MaxAge: prof.Outbox.MaxAge.Duration})
}

func provideDedup(s kv.Store, prof *config.Profile, logger *zap.Logger) *dedup.Store {
	d := prof.Dedup
	return dedup.New(dedup.Options{
		Durable:              s,
		MemoryTTL:            d.MemoryTTL.Duration,
		DurableTTL:           d.DurableTTL.Duration,
		SweepInterval:        d.SweepInterval.Duration,
		DurableSweepInterval: d.DurableSweepInterval.Duration,
		PrefixLength:         d.PrefixLength,
		Logger:               logger,
	})
}

func providePresence(b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, logger)
}

// inbound hands frames read by the manager to the dispatcher. The
// dispatcher is built after the manager because the typing coordinator
// it drives sends through the manager.
type inbound struct {
	d *dispatch.Dispatcher
}

func (in *inbound) frame(f protocol.Frame) {
	if in.d != nil {
		in.d.Dispatch(f)
	}
}

func (in *inbound) decodeFailed(err error) {
	if in.d != nil {
		in.d.DecodeFailed(err)
	}
}

func provideInbound() *inbound {
	return &inbound{}
}

func provideManager(p Params, prof *config.Profile, ob *outbox.Outbox, in *inbound, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	srv := prof.Server
	return conn.New(conn.Options{
		URL:    srv.URL,
		UserID: srv.UserID,
		Token:  srv.Token,
		Dialer: p.Dialer,
		Backoff: conn.Backoff{
			Base:        prof.Backoff.Base.Duration,
			Max:         prof.Backoff.Max.Duration,
			Jitter:      prof.Backoff.Jitter.Duration,
			MaxAttempts: prof.Backoff.MaxAttempts,
		},
		DialTimeout:       srv.DialTimeout.Duration,
		AuthTimeout:       srv.AuthTimeout.Duration,
		HeartbeatInterval: prof.Heartbeat.Interval.Duration,
		MissedPongs:       prof.Heartbeat.MissedPongs,
		Outbox:            ob,
		OnFrame:           in.frame,
		OnDecodeError:     in.decodeFailed,
		Bus:               b,
		Logger:            logger,
	})
}

func provideTyping(m *conn.Manager, prof *config.Profile, b *bus.Bus, logger *zap.Logger) *typing.Coordinator {
	return typing.New(m.Send, typing.Options{
		Refresh:  prof.Typing.Refresh.Duration,
		Debounce: prof.Typing.Debounce.Duration,
		Expiry:   prof.Typing.Expiry.Duration,
		Bus:      b,
		Logger:   logger,
	})
}

func provideReceipts(s kv.Store, b *bus.Bus, logger *zap.Logger) *receipts.Journal {
	return receipts.NewJournal(s, b, logger)
}

func provideDispatcher(in *inbound, dd *dedup.Store, pr *presence.Tracker, tc *typing.Coordinator, rj *receipts.Journal, m *conn.Manager, b *bus.Bus, logger *zap.Logger) *dispatch.Dispatcher {
	d := dispatch.New(dispatch.Options{
		Dedup:    dd,
		Presence: pr,
		Typing:   tc,
		Receipts: rj,
		Send:     m.Send,
		Bus:      b,
		Logger:   logger,
	})
	in.d = d
	return d
}

func provideInbox(db *store.DB, d *dispatch.Dispatcher, prof *config.Profile, b *bus.Bus, logger *zap.Logger) *inbox.Engine {
	e := inbox.NewEngine(db, b, prof.Server.UserID, logger)
	e.Attach(d)
	return e
}

type serviceParams struct {
	fx.In

	Params   Params
	Profile  *config.Profile
	Manager  *conn.Manager
	Outbox   *outbox.Outbox
	Dedup    *dedup.Store
	Presence *presence.Tracker
	Typing   *typing.Coordinator
	Receipts *receipts.Journal
	Inbox    *inbox.Engine
	DB       *store.DB
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func provideService(sp serviceParams) *api.Service {
	return api.NewService(api.Deps{
		Profile:  sp.Params.ProfileName,
		UserID:   sp.Profile.Server.UserID,
		Manager:  sp.Manager,
		Outbox:   sp.Outbox,
		Dedup:    sp.Dedup,
		Presence: sp.Presence,
		Typing:   sp.Typing,
		Receipts: sp.Receipts,
		Inbox:    sp.Inbox,
		DB:       sp.DB,
		Bus:      sp.Bus,
		Logger:   sp.Logger,
	})
}

type lifecycleParams struct {
	fx.In

	LC       fx.Lifecycle
	Params   Params
	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Manager  *conn.Manager
	Outbox   *outbox.Outbox
	Dedup    *dedup.Store
	Presence *presence.Tracker
	Typing   *typing.Coordinator
	Receipts *receipts.Journal
	Inbox    *inbox.Engine
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func registerLifecycle(lp lifecycleParams) {
	logger := lp.Logger
	ctx, cancel := context.WithCancel(context.Background())

	lp.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			n, err := lp.Outbox.Restore()
			if err != nil {
				logger.Warn("outbox restore incomplete", zap.Error(err))
			}
			if n > 0 {
				logger.Info("outbox restored", zap.Int("envelopes", n))
			}

			// A manual reset empties every volatile cache; durable dedup
			// records survive so a resent backlog is still filtered.
			lp.Manager.OnReset(func() { lp.Dedup.Reset(dedup.ResetPreserveStorage) })
			lp.Manager.OnReset(lp.Typing.Reset)
			lp.Manager.OnReset(lp.Presence.Reset)

			lp.Dedup.Start(ctx)
			lp.Inbox.Start(ctx)
			go replayOnConnect(ctx, lp.Bus, lp.Receipts, lp.Inbox, logger)

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if lp.Params.NoConnect {
				logger.Info("staying offline until asked to connect")
				return nil
			}
			return lp.Manager.Connect()
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			lp.Server.Stop(stopCtx)
			errs := shutdown(
				step{"connection", lp.Manager.Close},
				step{"inbox", func() error { lp.Inbox.Stop(); return nil }},
				step{"dedup", func() error { lp.Dedup.Stop(); return nil }},
				step{"typing", func() error { lp.Typing.Reset(); return nil }},
				step{"store", lp.DB.Close},
				step{"lock", lp.Lock.Release},
			)
			if errs != nil {
				logger.Warn("daemon stopped with errors", zap.Error(errs))
				return errs
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// replayOnConnect replays journaled receipts into the inbox every time
// the channel comes up, so read markers recorded before a disconnect are
// seen again.
func replayOnConnect(ctx context.Context, b *bus.Bus, j *receipts.Journal, in *inbox.Engine, logger *zap.Logger) {
	ch, unsub := b.Subscribe(status.EventStateChanged, 16)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			change, ok := evt.Payload.(status.StatusChange)
			if !ok || change.To != status.Connected {
				continue
			}
			if n := j.Replay(in.ApplyReplayed); n > 0 {
				logger.Info("read receipts replayed", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
