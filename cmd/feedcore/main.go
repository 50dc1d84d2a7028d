package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/meridian-markets/feedcore/internal/config"
	"github.com/meridian-markets/feedcore/internal/conn"
	"github.com/meridian-markets/feedcore/internal/feed"
	"github.com/meridian-markets/feedcore/internal/logging"
	"github.com/meridian-markets/feedcore/internal/resilience"
	"github.com/meridian-markets/feedcore/internal/store"
	"github.com/meridian-markets/feedcore/internal/venue/deribit"
	"github.com/meridian-markets/feedcore/internal/venue/kalshi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	log.WithField("env", cfg.Env).Info("feedcore starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("feedcore exited with error")
		os.Exit(1)
	}
	log.Info("feedcore shut down")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	backoff := resilience.Backoff{Base: cfg.Retry.Base(), Max: cfg.Retry.Max()}
	writePolicy := resilience.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		Backoff:    backoff,
		Log:        logging.Component(log, "store"),
	}

	hub := feed.NewHub(logging.Component(log, "feed"))
	manager := conn.NewManager(logging.Component(log, "conn"))
	writer := store.NewWriter(store.NewRedisClient(rdb), hub.SubscribeAll(), hub.SubscribeEvents(),
		writePolicy, logging.Component(log, "store"))

	var wg sync.WaitGroup

	if cfg.Kalshi.Enabled {
		if err := startKalshi(ctx, cfg, log, hub, manager, &wg); err != nil {
			return fmt.Errorf("start kalshi: %w", err)
		}
	}
	if cfg.Deribit.Enabled {
		if err := startDeribit(ctx, cfg, log, manager, writer, &wg); err != nil {
			return fmt.Errorf("start deribit: %w", err)
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		writer.Run(ctx)
	}()

	<-ctx.Done()
	manager.CloseAll()
	wg.Wait()
	return nil
}

// startKalshi wires the prediction-market venue: signed REST catalog
// discovery, the WebSocket machine, and the book adapter feeding the hub.
func startKalshi(ctx context.Context, cfg *config.Config, log *logrus.Logger,
	hub *feed.Hub, manager *conn.Manager, wg *sync.WaitGroup) error {

	kcfg := cfg.Kalshi
	klog := logging.Component(log, "kalshi")

	var signer *kalshi.Signer
	if kcfg.APIKey != "" && kcfg.PrivateKeyPath != "" {
		pemBytes, err := os.ReadFile(kcfg.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		signer, err = kalshi.NewSignerFromPEM(kcfg.APIKey, pemBytes)
		if err != nil {
			return err
		}
	}

	limiter := resilience.NewLimiter(kalshi.Venue, cfg.Retry.RateLimitBase(), nil)
	policy := resilience.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		Backoff:    resilience.Backoff{Base: cfg.Retry.Base(), Max: cfg.Retry.Max()},
		Log:        klog,
	}

	markets := kcfg.Markets
	if len(markets) == 0 && kcfg.SeriesTicker != "" {
		rest, err := kalshi.NewClient(kalshi.ClientConfig{
			BaseURL: kcfg.RESTURL,
			Signer:  signer,
			Limiter: limiter,
			Policy:  policy,
			Log:     klog,
		})
		if err != nil {
			return err
		}
		catalog, err := rest.GetAllMarkets(ctx, kalshi.GetMarketsOptions{
			SeriesTicker: kcfg.SeriesTicker,
			Status:       "open",
		})
		if err != nil {
			return fmt.Errorf("catalog discovery: %w", err)
		}
		for _, m := range catalog {
			markets = append(markets, m.Ticker)
		}
		klog.WithFields(logrus.Fields{
			"series":  kcfg.SeriesTicker,
			"markets": len(markets),
		}).Info("discovered markets from catalog")
	}
	if len(markets) == 0 {
		return fmt.Errorf("no markets configured or discovered")
	}

	// Signatures carry a wall-clock timestamp, so the upgrade headers are
	// re-signed on every dial rather than captured once.
	dial := func(ctx context.Context) (conn.Transport, error) {
		dc := conn.DefaultDialConfig(kcfg.WSURL)
		if signer != nil {
			headers, err := signer.WSHeaders()
			if err != nil {
				return nil, err
			}
			dc.Headers = headers
		}
		return conn.Dial(dc)(ctx)
	}

	// The adapter owns the frame ids and the machine owns the transport;
	// the late binding below breaks the construction cycle between them.
	var adapter *kalshi.Adapter
	machine, err := manager.Open(ctx, conn.Config{
		Venue: kalshi.Venue,
		Dial:  dial,
		SubscribeFrame: func(s conn.Subscription) ([]byte, error) {
			return adapter.SubscribeFrame(s)
		},
		UnsubscribeFrame: func(s conn.Subscription) ([]byte, error) {
			return adapter.UnsubscribeFrame(s)
		},
		Backoff:            resilience.Backoff{Base: cfg.Retry.Base(), Max: cfg.Retry.Max()},
		MaxConnectAttempts: cfg.Retry.MaxConnectAttempts,
		StaleAfter:         cfg.Health.StaleAfter(),
		ProbeInterval:      cfg.Health.ProbeInterval(),
		ProbeFailures:      cfg.Health.ProbeFailures,
		Log:                logging.Component(log, "conn"),
	})
	if err != nil {
		return err
	}
	adapter = kalshi.New(machine, klog)
	hub.Register(adapter)

	wg.Add(1)
	go func() {
		defer wg.Done()
		adapter.Run(ctx)
	}()

	for _, ticker := range markets {
		for _, channel := range kcfg.Channels {
			if err := machine.Subscribe(conn.Subscription{Instrument: ticker, Channel: channel}); err != nil {
				return fmt.Errorf("subscribe %s/%s: %w", ticker, channel, err)
			}
		}
	}
	return nil
}

// startDeribit wires the derivatives venue. Its decimal-priced updates
// bypass the hub and flow straight into the writer's instrument path.
func startDeribit(ctx context.Context, cfg *config.Config, log *logrus.Logger,
	manager *conn.Manager, writer *store.Writer, wg *sync.WaitGroup) error {

	dcfg := cfg.Deribit
	dlog := logging.Component(log, "deribit")

	if len(dcfg.Instruments) == 0 {
		return fmt.Errorf("no instruments configured")
	}

	var adapter *deribit.Adapter
	machine, err := manager.Open(ctx, conn.Config{
		Venue: deribit.Venue,
		Dial:  conn.Dial(conn.DefaultDialConfig(dcfg.WSURL)),
		SubscribeFrame: func(s conn.Subscription) ([]byte, error) {
			return adapter.SubscribeFrame(s)
		},
		UnsubscribeFrame: func(s conn.Subscription) ([]byte, error) {
			return adapter.UnsubscribeFrame(s)
		},
		Backoff:            resilience.Backoff{Base: cfg.Retry.Base(), Max: cfg.Retry.Max()},
		MaxConnectAttempts: cfg.Retry.MaxConnectAttempts,
		StaleAfter:         cfg.Health.StaleAfter(),
		ProbeInterval:      cfg.Health.ProbeInterval(),
		ProbeFailures:      cfg.Health.ProbeFailures,
		Log:                logging.Component(log, "conn"),
	})
	if err != nil {
		return err
	}
	adapter = deribit.New(machine, dlog)

	wg.Add(2)
	go func() {
		defer wg.Done()
		adapter.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		writer.RunInstruments(ctx, adapter.Updates())
	}()

	for _, instrument := range dcfg.Instruments {
		for _, channel := range dcfg.Channels {
			if err := machine.Subscribe(conn.Subscription{Instrument: instrument, Channel: channel}); err != nil {
				return fmt.Errorf("subscribe %s/%s: %w", instrument, channel, err)
			}
		}
	}
	return nil
}
