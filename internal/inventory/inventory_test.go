package inventory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/senutpal/tradequorum/internal/transport"
)

func code(err error) int {
	var e *transport.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

func TestDelta(t *testing.T) {
	if d, err := Delta("sell", 3); err != nil || d != 3 {
		t.Errorf("sell: %d %v", d, err)
	}
	if d, err := Delta("buy", 3); err != nil || d != -3 {
		t.Errorf("buy: %d %v", d, err)
	}
	if _, err := Delta("short", 3); code(err) != transport.CodeBadRequest {
		t.Errorf("short: %v", err)
	}
}

func TestCatalogUpdate(t *testing.T) {
	c := NewCatalog()
	ctx := context.Background()

	s, err := c.Update(ctx, "GameStart", 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Quantity != 101 || s.Price != 15.99 {
		t.Errorf("stock = %+v", s)
	}

	if _, err := c.Update(ctx, "NoSuchCo", 1); code(err) != transport.CodeNotFound {
		t.Errorf("unknown stock: %v", err)
	}
	_, err = c.Update(ctx, "BoarCo", -101)
	if code(err) != transport.CodeBadRequest || !strings.Contains(err.Error(), "insufficient quantity") {
		t.Errorf("oversell: %v", err)
	}
	if s, _ := c.Lookup("BoarCo"); s.Quantity != InitialQuantity {
		t.Errorf("refused update changed quantity to %d", s.Quantity)
	}
	if s, err := c.Update(ctx, "BoarCo", -100); err != nil || s.Quantity != 0 {
		t.Errorf("draining to zero: %+v %v", s, err)
	}
}

func TestCatalogSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.csv")
	c, err := OpenCatalog(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Update(context.Background(), "MenhirCo", -7); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenCatalog(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := reopened.Lookup("MenhirCo")
	if err != nil || s.Quantity != 93 || s.Price != 20 {
		t.Errorf("reloaded %+v %v", s, err)
	}
	if _, err := reopened.Lookup("LutetiaTech"); err != nil {
		t.Errorf("default stock missing after reload: %v", err)
	}
}

func TestRemoteUpdate(t *testing.T) {
	network := transport.NewNetwork()
	catalog := NewCatalog()
	network.Register("catalog", catalog)
	r := NewRemote("catalog", network.Transport("replica"))

	s, err := r.Update(context.Background(), "GameStart", -5)
	if err != nil {
		t.Fatal(err)
	}
	if s.Name != "GameStart" || s.Quantity != 95 {
		t.Errorf("stock = %+v", s)
	}

	// Catalog errors pass through unchanged.
	_, err = r.Update(context.Background(), "GameStart", -500)
	if code(err) != transport.CodeBadRequest || !strings.Contains(err.Error(), "insufficient quantity") {
		t.Errorf("err = %v", err)
	}
}

func TestRemoteCommunicationError(t *testing.T) {
	network := transport.NewNetwork()
	r := NewRemote("catalog", network.Transport("replica"))

	_, err := r.Update(context.Background(), "GameStart", 1)
	if code(err) != transport.CodeInternal || !strings.Contains(err.Error(), "catalog service communication error") {
		t.Errorf("err = %v", err)
	}
}

func TestCatalogHandle(t *testing.T) {
	c := NewCatalog()
	resp := c.Handle(context.Background(), &transport.Request{Action: transport.ActionLookup, StockName: "CaesarTech"})
	var s Stock
	if err := resp.Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.Price != 1 || s.Quantity != InitialQuantity {
		t.Errorf("lookup = %+v", s)
	}
	if resp := c.Handle(context.Background(), &transport.Request{Action: "trade"}); code(resp.Err()) != transport.CodeBadRequest {
		t.Errorf("unknown action answered %+v", resp)
	}
}
