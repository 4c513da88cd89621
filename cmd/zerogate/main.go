package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zerogate/zerogate/backends"
	"github.com/zerogate/zerogate/internal/config"
	"github.com/zerogate/zerogate/server"
	"github.com/zerogate/zerogate/users/sqliterepo"
)

var (
	configPath         string
	listenAddress      string
	listenPort         uint16
	verbose            bool
	allowDefaultSecret bool
)

func main() {
	root := &cobra.Command{
		Use:          "zerogate",
		Short:        "Identity-aware reverse proxy for internal services",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.toml", "path to the TOML configuration file")
	root.Flags().StringVarP(&listenAddress, "address", "a", "", "listen address, overrides the configured one")
	root.Flags().Uint16VarP(&listenPort, "port", "p", 0, "listen port, overrides the configured one")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.Flags().BoolVar(&allowDefaultSecret, "allow-default-secret", false, "start even while settings.secret is the placeholder")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("exited")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command) error {
	ctx := cmd.Context()
	setupLogging()
	displayAppname("Zerogate")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyOverrides(cmd, cfg)
	if cfg.Settings.Secret == config.DefaultSecret && !allowDefaultSecret {
		return errors.New("settings.secret is still the placeholder, set one or pass --allow-default-secret")
	}

	repo, err := sqliterepo.Open(cfg.Settings.Database.Path)
	if err != nil {
		return err
	}
	defer repo.Close()

	reload, err := config.Watch(ctx, configPath)
	if err != nil {
		return err
	}

	// Each pass of the loop runs one listener for one configuration.
	// Backend-only edits are applied to the running listener by swapping
	// the registry snapshot; any other change tears the listener down,
	// drains it, and comes back around with the new configuration.
	for {
		srv, err := server.New(cfg, repo)
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- srv.Serve(runCtx)
		}()

		next, err := awaitChange(cmd, srv, cfg, reload, done)
		cancel()
		if next == nil {
			if err == nil {
				err = <-done
			}
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			return err
		}

		log.Info().Str("path", configPath).Msg("configuration changed, restarting listener")
		<-done
		cfg = next
	}
}

// applyOverrides lets the CLI flags win over the file for the listener
// address, matching how the configuration is usually tried out.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("address") {
		cfg.Settings.Server.Address = listenAddress
	}
	if cmd.Flags().Changed("port") {
		cfg.Settings.Server.Port = listenPort
	}
}

// awaitChange handles reload events while the listener runs. A broken
// edit keeps the running configuration in place rather than taking the
// proxy down. It returns a non-nil config when the listener has to be
// rebuilt, and nil on shutdown or listener failure.
func awaitChange(cmd *cobra.Command, srv *server.Server, cfg *config.Config, reload <-chan struct{}, done <-chan error) (*config.Config, error) {
	for {
		select {
		case <-cmd.Context().Done():
			return nil, nil
		case err := <-done:
			return nil, err
		case <-reload:
			next, err := config.Load(configPath)
			if err != nil {
				log.Error().Err(err).Msg("reload failed, keeping the running configuration")
				continue
			}
			applyOverrides(cmd, next)
			if !backendsOnlyChange(cfg, next) {
				return next, nil
			}
			registry, err := backends.Build(next.Backends)
			if err != nil {
				log.Error().Err(err).Msg("reload failed, keeping the running backends")
				continue
			}
			srv.SwapBackends(registry)
			cfg.Backends = next.Backends
			log.Info().Int("backends", len(next.Backends)).Msg("backend table swapped in place")
		}
	}
}

// backendsOnlyChange reports whether an edit touched nothing but the
// backend table, which is the one part a running listener can absorb.
func backendsOnlyChange(old, next *config.Config) bool {
	return reflect.DeepEqual(old.Settings, next.Settings) &&
		reflect.DeepEqual(old.Providers, next.Providers)
}

func setupLogging() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
