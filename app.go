package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bakape/liveupdate/activity"
	"github.com/bakape/liveupdate/auth"
	"github.com/bakape/liveupdate/broadcast"
	"github.com/bakape/liveupdate/config"
	"github.com/bakape/liveupdate/db"
	"github.com/bakape/liveupdate/jobs"
	"github.com/bakape/liveupdate/live"
	mLog "github.com/bakape/liveupdate/log"
	"github.com/bakape/liveupdate/scraper"
	"github.com/bakape/liveupdate/server"
	"github.com/bakape/liveupdate/util"
	"github.com/bakape/liveupdate/websockets"
	"github.com/bakape/liveupdate/websockets/feeds"
	"github.com/go-playground/log"
	"github.com/urfave/cli/v2"
)

// Read configuration from file and apply command line overrides
func loadConfig(c *cli.Context) (conf config.ServerConfigs, err error) {
	conf, err = config.Load(c.String("config"))
	if err != nil {
		return
	}
	if s := c.String("database"); s != "" {
		conf.Database = s
	}
	if s := c.String("address"); s != "" {
		conf.Address = s
	}
	if s := c.String("bus"); s != "" {
		conf.Bus = s
	}
	if c.Bool("reverse-proxied") {
		conf.ReverseProxied = true
	}
	err = conf.Validate()
	return
}

// Context canceled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func initLogging() {
	mLog.Init(mLog.Console)
	log.Debug("debug logging enabled")
}

func serveForeground(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	initLogging()
	ctx, cancel := signalContext(c.Context)
	defer cancel()
	return serve(ctx, conf)
}

func startDaemon(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	return server.Daemonise(conf.PIDFile, conf.LogFile,
		func(ctx context.Context) error {
			return serve(ctx, conf)
		})
}

func stopDaemon(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	return server.KillDaemon(conf.PIDFile)
}

// Components shared by all commands
type deps struct {
	conf        config.ServerConfigs
	db          *db.DB
	hub         *feeds.Hub
	broadcaster *broadcast.Broadcaster
}

func openDeps(ctx context.Context, conf config.ServerConfigs) (
	d deps, err error,
) {
	d.conf = conf
	d.db, err = db.Open(ctx, conf.Database)
	if err != nil {
		err = util.WrapError("connecting to database", err)
		return
	}

	var bus feeds.Bus
	switch conf.Bus {
	case config.BusLocal:
		bus = feeds.NewLocalBus()
	default:
		bus = d.db.NotificationBus()
	}
	err = util.Waterfall(
		func() (err error) {
			d.hub, err = feeds.NewHub(bus)
			return
		},
		func() error {
			return d.hub.Start(ctx)
		},
	)
	if err != nil {
		d.db.Close()
		err = util.WrapError("starting broadcast hub", err)
		return
	}
	d.broadcaster = broadcast.New(d.hub, broadcast.Options{})
	return
}

func (d deps) Close() {
	d.broadcaster.Close()
	if err := d.db.Close(); err != nil {
		log.Errorf("closing database: %s", err)
	}
}

func (d deps) aggregator() *activity.Aggregator {
	a := d.conf.Activity
	return activity.New(
		activity.Deps{
			Threads:     d.db,
			Counter:     d.db,
			Store:       d.db,
			Broadcaster: d.broadcaster,
			Locker:      d.db,
		},
		activity.Options{
			ChunkSize:     a.ChunkSize,
			Retries:       a.Retries,
			TopN:          a.TopN,
			ListingTTL:    a.ListingTTL.Std(),
			FuzzThreshold: a.FuzzThreshold,
		},
	)
}

// Create an embed relay. The returned function releases its resources.
func (d deps) relay() (*scraper.Relay, func()) {
	s := d.conf.Scraper
	chain := scraper.Chain{
		scraper.LiveThreadScraper{Domain: d.conf.SiteDomain},
		scraper.NewPreviewScraper(s.EmbedWidth, s.RequestsPerSecond,
			s.Timeout.Std()),
	}

	var (
		sc      scraper.Scraper = chain
		release                 = func() {}
	)
	cache, err := scraper.OpenEmbedCache(d.conf.EmbedCachePath,
		s.CacheTTL.Std())
	if err != nil {
		log.Warnf("scraper: embed cache disabled: %s", err)
	} else {
		sc = cache.Cached(chain)
		release = func() {
			if err := cache.Close(); err != nil {
				log.Errorf("scraper: closing embed cache: %s", err)
			}
		}
	}

	return scraper.NewRelay(d.db, sc, d.broadcaster, scraper.Options{
		Timeout: s.Timeout.Std(),
		MaxURLs: s.MaxURLs,
	}), release
}

func (d deps) service() *live.Service {
	return live.NewService(
		d.db,
		d.broadcaster,
		d.db.ScraperQueue(d.conf.Scraper.PollInterval.Std()),
		scraper.EncodeJob,
	)
}

// Close abandoned threads and expire stale records concurrently
func (d deps) housekeeping(ctx context.Context) error {
	h := d.conf.Housekeeping
	return util.Parallel(
		func() error {
			n, err := d.service().CloseAbandoned(ctx, h.Dereliction.Std())
			if n != 0 {
				log.Infof("housekeeping: closed %d abandoned threads", n)
			}
			return err
		},
		func() error {
			d.db.Upkeep(ctx, h.HistoryTTL.Std())
			return nil
		},
	)
}

func tokenSigner(conf config.ServerConfigs) (*auth.TokenSigner, error) {
	secret := conf.WebsocketSecret
	if secret == "" {
		var err error
		secret, err = auth.RandomID(32)
		if err != nil {
			return nil, err
		}
		log.Warn("no websocket_secret configured. Using a random one. " +
			"Websocket URLs will not be valid across server processes.")
	}
	return auth.NewTokenSigner([]byte(secret))
}

// Run the server and all in-process workers until ctx is canceled
func serve(ctx context.Context, conf config.ServerConfigs) (err error) {
	d, err := openDeps(ctx, conf)
	if err != nil {
		return
	}
	defer d.Close()

	tokens, err := tokenSigner(conf)
	if err != nil {
		return
	}

	scheduled := []jobs.Job{{
		Name:     "housekeeping",
		Schedule: conf.Housekeeping.Schedule,
		Run:      d.housekeeping,
	}}
	if conf.Activity.Enabled {
		agg := d.aggregator()
		scheduled = append(scheduled, jobs.Job{
			Name:     "activity",
			Schedule: conf.Activity.Schedule,
			Run: func(ctx context.Context) error {
				_, err := agg.Run(ctx)
				if errors.Is(err, activity.ErrAlreadyRunning) {
					return nil
				}
				return err
			},
		})
	}
	err = jobs.ScheduleAll(ctx, scheduled...)
	if err != nil {
		return
	}

	if conf.Scraper.Workers > 0 {
		relay, release := d.relay()
		defer release()
		queue := d.db.ScraperQueue(conf.Scraper.PollInterval.Std())
		go func() {
			if err := relay.Run(ctx, queue, conf.Scraper.Workers); err != nil {
				log.Errorf("scraper: %s", err)
			}
		}()
	}

	proxy := auth.Proxy{
		ReverseProxied: conf.ReverseProxied,
		ProxyIP:        conf.ProxyIP,
	}
	return server.New(
		d.service(),
		d.db,
		tokens,
		&websockets.Handler{
			Hub:    d.hub,
			Tokens: tokens,
			Proxy:  proxy,
		},
		server.Options{
			Address:          conf.Address,
			SiteDomain:       conf.SiteDomain,
			SecureWebsockets: conf.ReverseProxied,
			Gzip:             conf.Gzip,
			Proxy:            proxy,
			WebsocketMaxAge:  conf.WebsocketMaxAge.Std(),
			PresenceTTL:      conf.Activity.PresenceTTL.Std(),
		},
	).
		ListenAndServe(ctx)
}

func runActivity(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	initLogging()
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	d, err := openDeps(ctx, conf)
	if err != nil {
		return err
	}
	defer d.Close()

	start := time.Now()
	res, err := d.aggregator().Run(ctx)
	if err != nil {
		return err
	}
	log.Infof(
		"activity: %d threads in %d chunks (%d skipped), %d ranked, took %s",
		res.Threads, res.Chunks, res.SkippedChunks, len(res.MostActive),
		time.Since(start),
	)
	return nil
}

func runScraper(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	initLogging()
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	d, err := openDeps(ctx, conf)
	if err != nil {
		return err
	}
	defer d.Close()

	workers := c.Int("workers")
	if workers <= 0 {
		workers = conf.Scraper.Workers
	}
	relay, release := d.relay()
	defer release()
	return relay.Run(ctx, d.db.ScraperQueue(conf.Scraper.PollInterval.Std()),
		workers)
}

func runHousekeeping(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	initLogging()
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	d, err := openDeps(ctx, conf)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.housekeeping(ctx); err != nil {
		return err
	}
	if cache, err := scraper.OpenEmbedCache(conf.EmbedCachePath,
		conf.Scraper.CacheTTL.Std()); err == nil {
		defer cache.Close()
		n, err := cache.Evict()
		if err != nil {
			return err
		}
		log.Infof("housekeeping: evicted %d cached embeds", n)
	}
	return nil
}
