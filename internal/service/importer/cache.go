package importer

import (
	"github.com/google/uuid"

	"github.com/tinoosan/tally/internal/cache"
	"github.com/tinoosan/tally/internal/ledger"
)

// DefaultCacheCapacity bounds each entity cache.
const DefaultCacheCapacity = 1000

type categoryKey struct {
	Name string
	Type ledger.TransactionType
}

type subcategoryKey struct {
	CategoryID uuid.UUID
	Name       string
}

// EntityCache memoises name → entity lookups for one import run. Keys are
// normalised names.
type EntityCache struct {
	capacity      int
	accounts      *cache.LRU[string, ledger.Account]
	categories    *cache.LRU[categoryKey, ledger.Category]
	subcategories *cache.LRU[subcategoryKey, ledger.Subcategory]
}

func NewEntityCache(capacity int) *EntityCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	c := &EntityCache{capacity: capacity}
	c.Clear()
	return c
}

// Clear reinitialises all three caches.
func (c *EntityCache) Clear() {
	c.accounts = cache.NewLRU[string, ledger.Account](c.capacity, 0)
	c.categories = cache.NewLRU[categoryKey, ledger.Category](c.capacity, 0)
	c.subcategories = cache.NewLRU[subcategoryKey, ledger.Subcategory](c.capacity, 0)
}

// Len is the total number of cached entities.
func (c *EntityCache) Len() int {
	return c.accounts.Len() + c.categories.Len() + c.subcategories.Len()
}
