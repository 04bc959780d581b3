// Command catalog serves the stock catalog that order replicas update.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log"

	"github.com/senutpal/tradequorum/internal/inventory"
	"github.com/senutpal/tradequorum/internal/transport"
)

var log = logging.Logger("catalog")

func main() {
	addr := flag.String("addr", ":6666", "listen address")
	file := flag.String("file", "data/catalog.csv", "catalog snapshot")
	maxConns := flag.Int64("max-conns", 64, "concurrent connections served before replying busy")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	if err := run(*addr, *file, *maxConns, *level); err != nil {
		fmt.Fprintf(os.Stderr, "catalog: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, file string, maxConns int64, level string) error {
	for _, name := range []string{"catalog", "inventory", "transport"} {
		if err := logging.SetLogLevel(name, level); err != nil {
			return err
		}
	}
	c, err := inventory.OpenCatalog(file)
	if err != nil {
		return err
	}

	srv := transport.NewServer(c, maxConns)
	if err := srv.Listen(addr); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()
	log.Infof("catalog service running on %s", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		if !errors.Is(err, transport.ErrServerClosed) {
			return err
		}
	}
	return srv.Close()
}
