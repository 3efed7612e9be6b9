// Package books holds the latest order-book snapshot per venue and symbol.
// Snapshots are immutable: an update replaces the whole book, never patches
// levels in place.
package books

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/model"
)

// Store indexes order-book snapshots by symbol, with optional venue-local
// overlays, and keeps daily-volume hints for the market impact model.
type Store struct {
	logger *zap.Logger

	mu          sync.RWMutex
	books       *btree.Map[string, *model.OrderBook]
	venueBooks  map[string]*btree.Map[string, *model.OrderBook]
	dailyVolume map[string]decimal.Decimal
}

// NewStore creates an empty snapshot store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:      logger,
		books:       btree.NewMap[string, *model.OrderBook](32),
		venueBooks:  make(map[string]*btree.Map[string, *model.OrderBook]),
		dailyVolume: make(map[string]decimal.Decimal),
	}
}

// BuildBook assembles an immutable snapshot from raw, possibly unsorted and
// duplicated levels: sizes at equal prices are merged, bids sorted descending
// and asks ascending, zero-size levels dropped.
func BuildBook(symbol string, bids, asks []model.BookLevel) (*model.OrderBook, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, model.ErrInvalidSnapshot
	}
	book := &model.OrderBook{
		Symbol:    symbol,
		Bids:      normalizeSide(bids, true),
		Asks:      normalizeSide(asks, false),
		Timestamp: time.Now(),
	}
	return book, nil
}

func normalizeSide(raw []model.BookLevel, descending bool) []model.BookLevel {
	tree := btree.NewBTreeG[model.BookLevel](func(a, b model.BookLevel) bool {
		if descending {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	})
	for _, lvl := range raw {
		if lvl.Price.LessThanOrEqual(decimal.Zero) || lvl.Size.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if existing, ok := tree.Get(lvl); ok {
			lvl.Size = lvl.Size.Add(existing.Size)
		}
		tree.Set(lvl)
	}
	out := make([]model.BookLevel, 0, tree.Len())
	tree.Scan(func(lvl model.BookLevel) bool {
		out = append(out, lvl)
		return true
	})
	return out
}

// Update replaces the symbol's market-wide snapshot.
func (s *Store) Update(book *model.OrderBook) {
	if book == nil {
		return
	}
	s.mu.Lock()
	s.books.Set(book.Symbol, book)
	s.mu.Unlock()
	s.logger.Debug("order book updated",
		zap.String("symbol", book.Symbol),
		zap.Int("bid_levels", len(book.Bids)),
		zap.Int("ask_levels", len(book.Asks)))
}

// UpdateVenue replaces a venue-local snapshot.
func (s *Store) UpdateVenue(venueID string, book *model.OrderBook) {
	if book == nil {
		return
	}
	s.mu.Lock()
	tree, ok := s.venueBooks[venueID]
	if !ok {
		tree = btree.NewMap[string, *model.OrderBook](32)
		s.venueBooks[venueID] = tree
	}
	tree.Set(book.Symbol, book)
	s.mu.Unlock()
}

// Get returns the market-wide snapshot for a symbol.
func (s *Store) Get(symbol string) (*model.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books.Get(strings.ToUpper(symbol))
}

// GetVenue returns the venue-local snapshot, falling back to the market-wide
// snapshot when the venue has none of its own.
func (s *Store) GetVenue(venueID, symbol string) (*model.OrderBook, bool) {
	symbol = strings.ToUpper(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tree, ok := s.venueBooks[venueID]; ok {
		if book, ok := tree.Get(symbol); ok {
			return book, true
		}
	}
	return s.books.Get(symbol)
}

// SetDailyVolume records the symbol's typical daily volume for impact models.
func (s *Store) SetDailyVolume(symbol string, volume decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyVolume[strings.ToUpper(symbol)] = volume
}

// DailyVolume returns the recorded daily volume hint, zero when unknown.
func (s *Store) DailyVolume(symbol string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dailyVolume[strings.ToUpper(symbol)]
}

// Symbols lists symbols with a market-wide snapshot, in order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, s.books.Len())
	s.books.Scan(func(symbol string, _ *model.OrderBook) bool {
		out = append(out, symbol)
		return true
	})
	return out
}

// Reset drops all snapshots and volume hints.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = btree.NewMap[string, *model.OrderBook](32)
	s.venueBooks = make(map[string]*btree.Map[string, *model.OrderBook])
	s.dailyVolume = make(map[string]decimal.Decimal)
}
