// Package main runs the edge event store daemon on the wearable.
// A local debug API and live feed are served on 127.0.0.1:8090.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IRSPlays/ProjectCortexV2-sub000/cmd/cortex-edge/handlers"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/config"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/crypto"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/eventstore"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/logging"
)

type options struct {
	configPath string
	dataDir    string
	listen     string
	seal       string
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("cortex-edge", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.configPath, "config", "cortex.toml", "path to the configuration file (.toml, .yaml or .json)")
	fs.StringVar(&o.dataDir, "data-dir", "", "override data_dir from the configuration")
	fs.StringVar(&o.listen, "listen", "127.0.0.1:8090", "address of the local debug API; empty disables it")
	fs.StringVar(&o.seal, "seal", "", "print a credential sealed for this device and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if opts.seal != "" {
		sealed, err := crypto.Seal(opts.seal, crypto.MachineID())
		if err != nil {
			fmt.Fprintf(os.Stderr, "cortex-edge: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(sealed)
		return
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "cortex-edge: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	loader := config.NewLoader(opts.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logging.Init(os.Stdout, level)
	logging.Get().SetFormat(cfg.Log.Format)
	log := logging.Get().WithComponent("daemon")

	store, err := eventstore.New(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Start(ctx); err != nil {
		return err
	}

	loader.OnChange(store.ApplyConfig)
	if err := loader.Watch(); err != nil {
		log.Warn("Config hot reload disabled", map[string]interface{}{"error": err.Error()})
	} else {
		defer loader.Close()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case err := <-loader.Errors():
					log.Warn("Config reload rejected", map[string]interface{}{"error": err.Error()})
				}
			}
		}()
	}

	var srv *http.Server
	if opts.listen != "" {
		hub := NewFeedHub()
		defer hub.Close()
		store.OnEventStored(hub.BroadcastEventStored)
		store.OnSyncCycle(hub.BroadcastSyncCycle)

		srv = &http.Server{
			Addr:              opts.listen,
			Handler:           newMux(store, hub, cfg.DeviceID),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Debug API stopped", err)
			}
		}()
		log.Info("Debug API listening", map[string]interface{}{"addr": opts.listen})
	}

	log.Info("Cortex edge daemon running", map[string]interface{}{
		"device_id": cfg.DeviceID,
		"data_dir":  cfg.DataDir,
	})
	<-ctx.Done()
	log.Info("Shutting down", nil)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	store.Stop()
	return nil
}

func newMux(store handlers.Store, hub *FeedHub, deviceID string) *http.ServeMux {
	mux := http.NewServeMux()
	handlers.NewStatusHandler(store, deviceID).Register(mux)
	mux.HandleFunc("/ws", HandleFeed(hub))
	return mux
}
