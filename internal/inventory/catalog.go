package inventory

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/senutpal/tradequorum/internal/transport"
)

// InitialQuantity is the volume every default stock starts with.
const InitialQuantity = 100

// DefaultStocks returns the ten stocks a fresh catalog lists.
func DefaultStocks() []Stock {
	return []Stock{
		{"GameStart", 15.99, InitialQuantity},
		{"RottenFishCo", 2.50, InitialQuantity},
		{"BoarCo", 7.11, InitialQuantity},
		{"MenhirCo", 20.00, InitialQuantity},
		{"CaesarTech", 1.00, InitialQuantity},
		{"Reneium", 14.99, InitialQuantity},
		{"Goscinnyium", 22.50, InitialQuantity},
		{"PiloteCo", 17.11, InitialQuantity},
		{"DogmatixCo", 20.00, InitialQuantity},
		{"LutetiaTech", 11.00, InitialQuantity},
	}
}

// Catalog is an in-memory catalog service. With a path it rewrites a CSV
// snapshot after every successful update.
type Catalog struct {
	mu     sync.Mutex
	stocks map[string]Stock
	path   string
}

// NewCatalog returns a catalog listing stocks, or DefaultStocks when none
// are given.
func NewCatalog(stocks ...Stock) *Catalog {
	if len(stocks) == 0 {
		stocks = DefaultStocks()
	}
	c := &Catalog{stocks: make(map[string]Stock, len(stocks))}
	for _, s := range stocks {
		c.stocks[s.Name] = s
	}
	return c
}

// OpenCatalog loads the snapshot at path, seeding it with DefaultStocks if
// the file does not exist yet.
func OpenCatalog(path string) (*Catalog, error) {
	stocks, err := readSnapshot(path)
	if errors.Is(err, os.ErrNotExist) {
		c := NewCatalog()
		c.path = path
		return c, c.save()
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	c := NewCatalog(stocks...)
	c.path = path
	return c, nil
}

// Lookup returns the current entry for name.
func (c *Catalog) Lookup(name string) (Stock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stocks[name]
	if !ok {
		return Stock{}, transport.Errorf(transport.CodeNotFound, "stock not found")
	}
	return s, nil
}

func (c *Catalog) Update(_ context.Context, name string, change int) (Stock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stocks[name]
	if !ok {
		return Stock{}, transport.Errorf(transport.CodeNotFound, "stock not found")
	}
	if s.Quantity+change < 0 {
		return Stock{}, transport.Errorf(transport.CodeBadRequest, "insufficient quantity")
	}
	s.Quantity += change
	c.stocks[name] = s
	if err := c.save(); err != nil {
		log.Errorf("catalog: %v", err)
	}
	log.Debugf("catalog: %s changed by %d to %d", name, change, s.Quantity)
	return s, nil
}

// Handle serves the catalog actions over a transport.
func (c *Catalog) Handle(ctx context.Context, req *transport.Request) *transport.Response {
	var (
		s   Stock
		err error
	)
	switch req.Action {
	case transport.ActionLookup:
		s, err = c.Lookup(req.StockName)
	case transport.ActionUpdate:
		s, err = c.Update(ctx, req.StockName, req.QuantityChange)
	default:
		err = transport.Errorf(transport.CodeBadRequest, "unknown action %q", req.Action)
	}
	if err != nil {
		return transport.Failure(err)
	}
	return transport.Success(s)
}

// save writes the snapshot. Callers hold c.mu.
func (c *Catalog) save() error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	names := make([]string, 0, len(c.stocks))
	for name := range c.stocks {
		names = append(names, name)
	}
	sort.Strings(names)

	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	w := csv.NewWriter(f)
	w.Write([]string{"name", "price", "quantity"})
	for _, name := range names {
		s := c.stocks[name]
		w.Write([]string{s.Name, strconv.FormatFloat(s.Price, 'f', 2, 64), strconv.Itoa(s.Quantity)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("save catalog: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	return os.Rename(tmp, c.path)
}

func readSnapshot(path string) ([]Stock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var stocks []Stock
	for first := true; ; first = false {
		row, err := r.Read()
		if err == io.EOF {
			return stocks, nil
		}
		if err != nil {
			return nil, err
		}
		if first || len(row) < 3 {
			continue
		}
		price, perr := strconv.ParseFloat(row[1], 64)
		qty, qerr := strconv.Atoi(row[2])
		if perr != nil || qerr != nil {
			log.Warnf("catalog %s: skipping malformed row %v", path, row)
			continue
		}
		stocks = append(stocks, Stock{Name: row[0], Price: price, Quantity: qty})
	}
}
