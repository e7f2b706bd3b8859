package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"paylinks/internal/config"
	"paylinks/internal/idempotency"
	"paylinks/internal/ledger"
	"paylinks/internal/link"
	"paylinks/internal/relay"
	"paylinks/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config error")
	}

	ctx := context.Background()

	var links link.Store
	var audit ledger.Log
	var idem idempotency.Store

	if dsn := cfg.Service.PostgresDSN; dsn != "" {
		pgLinks, err := link.NewPostgresStore(ctx, dsn, cfg.Seed.Assets)
		if err != nil {
			logrus.WithError(err).Fatal("link store error")
		}
		defer pgLinks.Close()

		pgAudit, err := ledger.NewPostgresLog(ctx, dsn)
		if err != nil {
			logrus.WithError(err).Fatal("audit log error")
		}
		defer pgAudit.Close()

		pgIdem, err := idempotency.NewPostgresStore(ctx, dsn)
		if err != nil {
			logrus.WithError(err).Fatal("idempotency store error")
		}
		defer pgIdem.Close()

		links, audit, idem = pgLinks, pgAudit, pgIdem
	} else {
		logrus.Warn("POSTGRES_DSN not set, using in-memory stores")
		links = link.NewMemoryStore(cfg.Seed.Assets)
		audit = ledger.NewMemoryLog()
		idem = idempotency.NewMemoryStore()
	}

	var relayClient relay.Client
	if cfg.Chain.PrivateKey != "" {
		ethClient, err := relay.NewEthClient(ctx, relay.EthClientConfig{
			RPCURL:               cfg.Chain.RPCURL,
			PrivateKeyHex:        cfg.Chain.PrivateKey,
			ContractShieldedPool: cfg.Seed.Relay.ShieldedPool,
			AssetDecimals:        cfg.Seed.Relay.AssetDecimals,
		})
		if err != nil {
			logrus.WithError(err).Fatal("relay client error")
		}
		relayClient = ethClient
	} else {
		logrus.Warn("RELAYER_PRIVATE_KEY not set, using fake relay")
		relayClient = relay.NewFakeClient(decimal.NewFromInt(100))
	}

	apiServer := server.NewServer(cfg, links, relayClient, audit, idem)

	go func() {
		if err := apiServer.Start(); err != nil {
			logrus.WithError(err).Info("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
