// =============================================================================
// DEMO - Three Order Replicas Over Loopback TCP
// =============================================================================
//
// Runs a catalog and three replicas in one process, each behind its own TCP
// server on 127.0.0.1, and drives them the way the gateway would:
//
//   1. sell 1 GameStart through replica 0
//   2. buy 5 BoarCo through replica 1
//   3. crash replica 2, trade through replica 0 with the two survivors
//   4. restart replica 2 from its log; it catches up from its peers
//   5. look every order up through replica 2
//
// Logs are written to a temporary directory. Pass -keep to look at them.
//
// Run with: go run ./cmd/demo
//
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/senutpal/tradequorum/internal/config"
	"github.com/senutpal/tradequorum/internal/inventory"
	"github.com/senutpal/tradequorum/internal/node"
	"github.com/senutpal/tradequorum/internal/storage"
	"github.com/senutpal/tradequorum/internal/transport"
)

var log = logging.Logger("demo")

const numReplicas = 3

// member is one replica process: its log, its state and its server.
type member struct {
	cfg     config.Config
	log     *storage.CSVLog
	replica *node.Replica
	server  *transport.Server
}

func main() {
	level := flag.String("log-level", "warn", "log level for the replicas")
	keep := flag.Bool("keep", false, "keep the data directory")
	flag.Parse()

	for _, name := range []string{"node", "paxos", "transport", "storage", "inventory"} {
		logging.SetLogLevel(name, *level)
	}
	logging.SetLogLevel("demo", "info")

	dir, err := os.MkdirTemp("", "tradequorum-demo")
	if err != nil {
		log.Fatal(err)
	}
	err = run(dir)
	if *keep {
		fmt.Printf("logs kept in %s\n", dir)
	} else {
		os.RemoveAll(dir)
	}
	if err != nil {
		log.Errorf("demo failed: %v", err)
		os.Exit(1)
	}
}

func listen(h transport.Handler, addr string) (*transport.Server, error) {
	srv := transport.NewServer(h, 16)
	if err := srv.Listen(addr); err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(); err != nil && !errors.Is(err, transport.ErrServerClosed) {
			log.Errorf("server %s: %v", addr, err)
		}
	}()
	return srv, nil
}

// start opens the member's log and serves a fresh replica built on it.
func (m *member) start(t transport.Transport, catalog string) error {
	l, err := storage.OpenCSVLog(m.cfg.LogPath())
	if err != nil {
		return err
	}
	r, err := node.New(m.cfg, t, l, inventory.NewRemote(catalog, t))
	if err != nil {
		l.Close()
		return err
	}
	srv, err := listen(r, m.cfg.Self().Addr())
	if err != nil {
		l.Close()
		return err
	}
	m.log, m.replica, m.server = l, r, srv
	return r.Start()
}

func (m *member) stop() {
	if m.server == nil {
		return
	}
	m.server.Close()
	m.replica.Stop()
	m.log.Close()
	m.server = nil
}

func run(dir string) error {
	ctx := context.Background()
	client := transport.NewTCPTransport(2 * time.Second)

	catalog := inventory.NewCatalog()
	catalogSrv, err := listen(catalog, "127.0.0.1:0")
	if err != nil {
		return err
	}
	defer catalogSrv.Close()
	catalogAddr := catalogSrv.Addr().String()

	peers, err := freePeers(numReplicas)
	if err != nil {
		return err
	}
	members := make([]*member, numReplicas)
	for i := range members {
		cfg := config.Default()
		cfg.ID = i
		cfg.Replicas = peers
		cfg.DataDir = dir
		cfg.Catalog = catalogAddr
		cfg.SyncInterval = 0
		members[i] = &member{cfg: cfg}
		if err := members[i].start(transport.NewTCPTransport(cfg.RPCTimeout), catalogAddr); err != nil {
			return err
		}
	}
	defer func() {
		for _, m := range members {
			m.stop()
		}
	}()

	trade := func(via int, stock string, qty int, typ string) (int64, error) {
		resp, err := client.Call(ctx, peers[via].Addr(), &transport.Request{
			Action: transport.ActionTrade, StockName: stock, Quantity: qty, OrderType: typ,
		})
		if err != nil {
			return 0, err
		}
		if err := resp.Err(); err != nil {
			return 0, err
		}
		var res node.TradeResult
		if err := resp.Decode(&res); err != nil {
			return 0, err
		}
		fmt.Printf("replica %d: %s %d %s -> transaction %d\n", via, typ, qty, stock, res.TransactionNumber)
		return res.TransactionNumber, nil
	}

	if _, err := trade(0, "GameStart", 1, storage.OrderSell); err != nil {
		return err
	}
	if _, err := trade(1, "BoarCo", 5, storage.OrderBuy); err != nil {
		return err
	}

	fmt.Println("crashing replica 2")
	members[2].stop()
	last, err := trade(0, "MenhirCo", 2, storage.OrderSell)
	if err != nil {
		return err
	}

	fmt.Println("restarting replica 2")
	if err := members[2].start(transport.NewTCPTransport(members[2].cfg.RPCTimeout), catalogAddr); err != nil {
		return err
	}
	deadline := time.Now().Add(5 * time.Second)
	for members[2].replica.NextTransaction() <= last {
		if time.Now().After(deadline) {
			return fmt.Errorf("replica 2 did not catch up past transaction %d", last)
		}
		time.Sleep(20 * time.Millisecond)
	}

	for n := int64(0); n <= last; n++ {
		resp, err := client.Call(ctx, peers[2].Addr(), &transport.Request{Action: transport.ActionLookup, OrderNumber: &n})
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return fmt.Errorf("lookup %d: %w", n, err)
		}
		var o node.Order
		if err := resp.Decode(&o); err != nil {
			return err
		}
		fmt.Printf("replica 2: order %d is %s %d %s\n", o.Number, o.Type, o.Quantity, o.Name)
	}

	for _, name := range []string{"GameStart", "BoarCo", "MenhirCo"} {
		s, _ := catalog.Lookup(name)
		fmt.Printf("catalog: %v\n", s)
	}
	for _, m := range members {
		recs, err := storage.Since(m.log, -1)
		if err != nil {
			return err
		}
		fmt.Printf("replica %d log: %d orders\n", m.cfg.ID, len(recs))
	}
	return nil
}

// freePeers reserves n loopback ports for the replica membership.
func freePeers(n int) ([]transport.Peer, error) {
	peers := make([]transport.Peer, n)
	for i := range peers {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()
		peers[i] = transport.Peer{ID: i, Host: "127.0.0.1", Port: port}
	}
	return peers, nil
}
