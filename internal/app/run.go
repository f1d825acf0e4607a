package app

import (
	"context"
	"fmt"
	"log"

	"github.com/watchbox/boxsync/internal/api"
	"github.com/watchbox/boxsync/internal/config"
	"github.com/watchbox/boxsync/internal/room"
	"github.com/watchbox/boxsync/internal/transport"
	"github.com/watchbox/boxsync/internal/transport/meshbus"
	"github.com/watchbox/boxsync/internal/transport/wsbus"
)

type Options struct {
	CfgPath  string
	Cfg      config.Config
	BoxID    string
	Username string
	Password string

	// Player receives playback commands; nil runs the headless logger.
	Player Player
}

// Run connects the transport, authenticates, joins the box and blocks until
// ctx is cancelled or the connection is lost for good.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	bus := newBus(cfg)
	if err := bus.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect transport: %w", err)
	}
	defer bus.Close()

	backend := api.New(cfg.Backend.BaseURL, cfg.BackendTimeout())
	self, err := backend.Login(ctx, opt.Username, opt.Password)
	if err != nil {
		return fmt.Errorf("app: login: %w", err)
	}
	log.Printf("APP: logged in as %s (%s)", self.Username, self.ID)

	player := opt.Player
	if player == nil {
		player = &logPlayer{}
	}

	ctrl := room.New(bus, backend, cfg, self)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctrl.OnConnectionLost(func() {
		log.Printf("APP: connection lost, shutting down")
		cancel()
	})

	if err := ctrl.Join(runCtx, opt.BoxID, player); err != nil {
		return err
	}
	defer ctrl.Leave()

	// Reload the config on edit and push the tunables into the controller;
	// transport and identity changes still need a restart.
	go func() {
		if err := config.Watch(runCtx, opt.CfgPath, func(next config.Config) {
			ctrl.ApplyConfig(next)
			log.Printf("APP: config reloaded from %s", opt.CfgPath)
		}); err != nil {
			log.Printf("APP: config watch disabled: %v", err)
		}
	}()

	logBanner(cfg, opt.BoxID)

	<-runCtx.Done()
	return nil
}

func newBus(cfg config.Config) transport.Bus {
	if cfg.Mesh.Enabled {
		return meshbus.New(meshbus.Config{
			KeyFile:    cfg.Mesh.KeyFile,
			ListenPort: cfg.Mesh.ListenPort,
			MdnsTag:    cfg.Mesh.MdnsTag,
			Bootstrap:  cfg.Mesh.Bootstrap,
		})
	}
	return wsbus.New(wsbus.Config{
		Endpoint:       cfg.Broker.Endpoint,
		ReconnectDelay: cfg.ReconnectDelay(),
		MaxRedials:     cfg.Broker.MaxRedials,
	})
}

func logBanner(cfg config.Config, boxID string) {
	mode := "broker"
	if cfg.Mesh.Enabled {
		mode = "mesh"
	}
	log.Println("────────────────────────────────────────")
	log.Printf("📦 Box:       %s", boxID)
	log.Printf("🔌 Transport: %s", mode)
	log.Println("────────────────────────────────────────")
}
