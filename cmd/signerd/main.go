package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/nostr-signing-agent/cache"
	"github.com/ruteri/nostr-signing-agent/cmd/flags"
	"github.com/ruteri/nostr-signing-agent/common"
	"github.com/ruteri/nostr-signing-agent/cryptoutils"
	"github.com/ruteri/nostr-signing-agent/dispatcher"
	"github.com/ruteri/nostr-signing-agent/httpserver"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/policy"
	"github.com/ruteri/nostr-signing-agent/prompt"
	"github.com/ruteri/nostr-signing-agent/session"
	"github.com/ruteri/nostr-signing-agent/storage"
	"github.com/ruteri/nostr-signing-agent/vaultstore"
	"github.com/urfave/cli/v2"
)

var signerFlags = []cli.Flag{
	flags.ListenAddrFlag,
	flags.ControlSecretFlag,
	flags.RateLimitFlag,
	flags.RateBurstFlag,
	flags.LogServiceFlagFn("nostr-signer"),
	&cli.StringSliceFlag{
		Name:    "durable-storage",
		Value:   cli.NewStringSlice("file://./signer-data"),
		Usage:   "storage backend URIs (file, bolt, memory, s3, vault, mongodb); several URIs are written to together",
		EnvVars: []string{"SIGNER_DURABLE_STORAGE"},
	},
	&cli.DurationFlag{
		Name:    "autolock-timeout",
		Value:   session.DefaultAutoLockTimeout,
		Usage:   "lock the vault after this long without activity, 0 disables",
		EnvVars: []string{"SIGNER_AUTOLOCK_TIMEOUT"},
	},
	&cli.DurationFlag{
		Name:    "prompt-timeout",
		Value:   0,
		Usage:   "deny a prompt left unanswered for this long, 0 waits indefinitely",
		EnvVars: []string{"SIGNER_PROMPT_TIMEOUT"},
	},
	&cli.IntFlag{
		Name:    "shared-secret-cache-size",
		Value:   cache.DefaultSharedSecretCapacity,
		Usage:   "number of conversation keys kept per session",
		EnvVars: []string{"SIGNER_SHARED_SECRET_CACHE_SIZE"},
	},
	&cli.BoolFlag{
		Name:    "upgrade-legacy-vault",
		Value:   true,
		Usage:   "re-seal a legacy vault with the current format on unlock",
		EnvVars: []string{"SIGNER_UPGRADE_LEGACY_VAULT"},
	},
	&cli.StringFlag{
		Name:    "ipfs-api",
		Usage:   "IPFS node API (host:port) for vault backups, empty disables",
		EnvVars: []string{"SIGNER_IPFS_API"},
	},
}

func main() {
	app := &cli.App{
		Name:  "signerd",
		Usage: "Serve a Nostr signing agent with interactive approval",
		Flags: append(signerFlags, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			cfg := flags.ConfigureServer(cCtx, logger)

			ctx, cancel := context.WithTimeout(cCtx.Context, 30*time.Second)
			defer cancel()

			var locations []interfaces.StorageBackendLocation
			for _, uri := range cCtx.StringSlice("durable-storage") {
				location, err := interfaces.NewStorageBackendLocation(uri)
				if err != nil {
					logger.Error("Invalid storage location", "err", err)
					return err
				}
				locations = append(locations, location)
			}
			backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(ctx, locations)
			if err != nil {
				logger.Error("Failed to create storage backend", "err", err)
				return err
			}
			logger.Info("Using durable storage", "backend", backend.Name())

			clk := clock.New()
			codec := cryptoutils.NewCodec()

			manager := session.NewManager(session.Config{
				Store:         vaultstore.New(backend, logger),
				Log:           logger,
				Codec:         codec,
				Clock:         clk,
				UpgradeLegacy: cCtx.Bool("upgrade-legacy-vault"),
			})
			autoLocker := session.NewAutoLocker(manager, cCtx.Duration("autolock-timeout"), clk, logger)

			resident := cache.NewResident(clk)
			manager.Subscribe(cache.NewPersistence(backend, resident, codec, clk, logger))
			secrets := cache.NewSharedSecrets(cCtx.Int("shared-secret-cache-size"))
			manager.Subscribe(secrets)

			policies := policy.NewStore(backend, clk, logger)
			hub := httpserver.NewApprovalHub(manager, autoLocker, logger)
			coordinator := prompt.NewCoordinator(prompt.Config{
				Policies: policies,
				Session:  manager,
				Surface:  hub,
				Log:      logger,
				Timeout:  cCtx.Duration("prompt-timeout"),
				Clock:    clk,
			})
			hub.SetResolver(coordinator)

			handlerCfg := httpserver.HandlerConfig{
				Session: manager,
				Dispatcher: dispatcher.New(dispatcher.Config{
					Authorizer: coordinator,
					Keys:       manager,
					Secrets:    secrets,
					Activity:   autoLocker,
					Log:        logger,
				}),
				Policies: policies,
				Resident: resident,
				Log:      logger,
			}
			if ipfsAPI := cCtx.String("ipfs-api"); ipfsAPI != "" {
				handlerCfg.Backup = storage.NewIPFSBackup(ipfsAPI, 30*time.Second, logger)
				logger.Info("Vault backups enabled", "ipfs", ipfsAPI)
			}

			if len(cfg.ControlSecret) == 0 {
				logger.Warn("No control secret configured, control API serves loopback only")
			}

			server, err := httpserver.New(cfg, httpserver.ServerDeps{
				Handler:  httpserver.NewHandler(handlerCfg),
				Approval: hub,
				Activity: autoLocker,
				Session:  manager,
			})
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()
			logger.Info("Signing agent started", "version", common.Version, "autolock", autoLocker.Timeout())

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			autoLocker.Cancel()
			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
