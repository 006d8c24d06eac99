package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/Maphikza/truth-machine/internal/api"
	"github.com/Maphikza/truth-machine/internal/commitment"
	"github.com/Maphikza/truth-machine/internal/config"
	"github.com/Maphikza/truth-machine/internal/database"
	"github.com/Maphikza/truth-machine/internal/logger"
	"github.com/Maphikza/truth-machine/internal/tracker"
	"github.com/Maphikza/truth-machine/internal/treasury"
	"github.com/Maphikza/truth-machine/internal/verifier"
	"github.com/Maphikza/truth-machine/lib/broadcast"
	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/Maphikza/truth-machine/lib/woc"
	"golang.org/x/sync/errgroup"
)

// Service owns every component of a running instance.
type Service struct {
	Settings   *config.Settings
	Key        *ledger.Key
	Store      *database.Store
	Explorer   *woc.Client
	Dispatcher *broadcast.Dispatcher
	Relay      *broadcast.ARC
	Treasury   *treasury.Treasury
	Builder    *commitment.Builder
	Tracker    *tracker.Tracker
	Verifier   *verifier.Verifier
}

// LoadKey returns the treasury key configured by WIF or mnemonic.
func LoadKey(s *config.Settings) (*ledger.Key, error) {
	params, err := ledger.NetParams(s.Network)
	if err != nil {
		return nil, err
	}
	if s.TreasuryWIF != "" {
		return ledger.KeyFromWIF(s.TreasuryWIF, params)
	}
	return ledger.KeyFromMnemonic(s.TreasuryMnemonic, params)
}

// New wires the components described by s. Close releases them.
func New(s *config.Settings) (*Service, error) {
	key, err := LoadKey(s)
	if err != nil {
		return nil, fmt.Errorf("failed to load treasury key: %v", err)
	}

	store, err := database.Open(s.DBPath, s.SecretPassphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	explorer := woc.NewClient(woc.Config{
		BaseURL:   s.WOCURL,
		APIKey:    s.WOCAPIKey,
		Interval:  s.WOCInterval,
		QueueSize: s.WOCQueueSize,
		Timeout:   s.HTTPTimeout,
		Logger:    logger.Zap().Named("woc"),
	})

	arcCfg := broadcast.ARCConfig{
		URL:           s.ARCURL,
		APIKey:        s.ARCAPIKey,
		CallbackURL:   s.CallbackURL,
		CallbackToken: s.CallbackToken,
		Timeout:       s.HTTPTimeout,
	}
	endpoints, err := broadcast.Endpoints{
		ARC:      arcCfg,
		Explorer: explorer,
		Electrum: broadcast.ElectrumConfig{ServerAddr: s.ElectrumServer, UseSSL: s.ElectrumSSL},
		Timeout:  s.HTTPTimeout,
	}.Build(s.Broadcasters)
	if err != nil {
		explorer.Close()
		store.Close()
		return nil, fmt.Errorf("failed to configure broadcasters: %v", err)
	}
	dispatcher := broadcast.NewDispatcher(logger.Zap().Named("broadcast"), endpoints...)

	var arc *broadcast.ARC
	var relay tracker.Relay
	if s.ARCURL != "" {
		arc = broadcast.NewARC(arcCfg)
		relay = arc
	}

	svc := &Service{
		Settings:   s,
		Key:        key,
		Store:      store,
		Explorer:   explorer,
		Dispatcher: dispatcher,
		Relay:      arc,
		Treasury: treasury.New(key, explorer, dispatcher, store, treasury.Config{
			FeePerKb:       s.FeePerKb,
			UnitCost:       s.UnitCost,
			MaxTokensPerTx: s.MaxTokensPerTx,
			MaxBatches:     s.MaxFundingBatches,
		}),
		Builder: commitment.NewBuilder(store, commitment.Config{
			Policy:    strings.ToLower(s.TokenCostPolicy),
			FreeBytes: s.FreeBytes,
		}),
		Tracker: tracker.New(store, relay, explorer, tracker.Config{
			Concurrency: s.ResolveConcurrency,
			MaxAttempts: s.ResolveMaxAttempts,
		}),
		Verifier: verifier.New(store, explorer),
	}

	logger.Info("Service initialized",
		"network", s.Network,
		"treasury", key.Address.EncodeAddress(),
		"broadcasters", strings.Join(dispatcher.Endpoints(), ","),
	)
	return svc, nil
}

// API returns the HTTP handlers bound to the service.
func (s *Service) API() *api.API {
	a := &api.API{
		Treasury:       s.Treasury,
		Committer:      s.Builder,
		Dispatcher:     s.Dispatcher,
		Records:        s.Store,
		Tracker:        s.Tracker,
		Verifier:       s.Verifier,
		Network:        s.Settings.Network,
		MaxUploadBytes: s.Settings.MaxUploadBytes,
	}
	if s.Relay != nil {
		a.Checker = s.Relay
	}
	return a
}

// Serve runs the HTTP server and the resolve scheduler until ctx ends.
func (s *Service) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		RunScheduler(gctx, s.Tracker, s.Settings.ResolveInterval)
		return nil
	})
	if s.Settings.ControlSocket != "" {
		g.Go(func() error {
			return s.serveControl(gctx)
		})
	}
	g.Go(func() error {
		return api.NewServer(s.API(), api.ServerConfig{
			Port:           s.Settings.APIPort,
			AllowedOrigin:  s.Settings.AllowedOrigin,
			AdminJWTSecret: s.Settings.AdminJWTSecret,
			CallbackToken:  s.Settings.CallbackToken,
		}).Run(gctx)
	})
	return g.Wait()
}

func (s *Service) Close() {
	if s.Explorer != nil {
		s.Explorer.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}
}
