// Command replica runs one order replica.
//
//	replica -id 0 -replicas orders.json -data data -catalog localhost:6666
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	logging "github.com/ipfs/go-log"

	"github.com/senutpal/tradequorum/internal/config"
	"github.com/senutpal/tradequorum/internal/inventory"
	"github.com/senutpal/tradequorum/internal/node"
	"github.com/senutpal/tradequorum/internal/storage"
	"github.com/senutpal/tradequorum/internal/transport"
)

var log = logging.Logger("replica")

var subsystems = []string{"replica", "node", "paxos", "transport", "storage", "inventory"}

func main() {
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "replica: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	for _, name := range subsystems {
		if err := logging.SetLogLevel(name, cfg.LogLevel); err != nil {
			return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
		}
	}
	if err := cfg.Load(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	l, err := storage.OpenCSVLog(cfg.LogPath())
	if err != nil {
		return err
	}
	defer l.Close()

	t := transport.NewTCPTransport(cfg.RPCTimeout)
	r, err := node.New(cfg, t, l, inventory.NewRemote(cfg.Catalog, t))
	if err != nil {
		return err
	}

	srv := transport.NewServer(r, cfg.MaxConns)
	if err := srv.Listen(":" + strconv.Itoa(cfg.Self().Port)); err != nil {
		return err
	}
	if err := r.Start(); err != nil {
		return err
	}
	defer r.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()
	log.Infof("order replica %d listening on %s, log %s, catalog %s", cfg.ID, srv.Addr(), l.Path(), cfg.Catalog)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("received %v, shutting down", sig)
	case err := <-errCh:
		if !errors.Is(err, transport.ErrServerClosed) {
			return err
		}
	}
	return srv.Close()
}
