package testutil

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/circulib/loanledger/ledger"
)

// MemoryStore is an in-memory ledger.Store for engine tests that must run
// without a database. WithinTx holds the store mutex for the whole
// callback, the same serialization a row lock provides, and restores a
// snapshot when the callback fails, so failed operations never mutate
// state, matching the transactional contract.
type MemoryStore struct {
	mu         sync.Mutex
	items      map[string]ledger.Item
	borrowers  map[string]ledger.Borrower
	loans      map[int64]ledger.Loan
	nextLoanID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:      make(map[string]ledger.Item),
		borrowers:  make(map[string]ledger.Borrower),
		loans:      make(map[int64]ledger.Loan),
		nextLoanID: 1,
	}
}

// WithinTx implements ledger.Store.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.TxStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()

	if err := fn(ctx, &memoryTx{store: m}); err != nil {
		m.restore(snapshot)
		return err
	}

	return nil
}

type memorySnapshot struct {
	items      map[string]ledger.Item
	borrowers  map[string]ledger.Borrower
	loans      map[int64]ledger.Loan
	nextLoanID int64
}

func (m *MemoryStore) snapshot() memorySnapshot {
	s := memorySnapshot{
		items:      make(map[string]ledger.Item, len(m.items)),
		borrowers:  make(map[string]ledger.Borrower, len(m.borrowers)),
		loans:      make(map[int64]ledger.Loan, len(m.loans)),
		nextLoanID: m.nextLoanID,
	}

	for k, v := range m.items {
		s.items[k] = v
	}
	for k, v := range m.borrowers {
		s.borrowers[k] = v
	}
	for k, v := range m.loans {
		s.loans[k] = v
	}

	return s
}

func (m *MemoryStore) restore(s memorySnapshot) {
	m.items = s.items
	m.borrowers = s.borrowers
	m.loans = s.loans
	m.nextLoanID = s.nextLoanID
}

/*** CatalogStore ***/

// UpsertItems implements ledger.CatalogStore.
func (m *MemoryStore) UpsertItems(ctx context.Context, items []ledger.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.upsertItems(ctx, items)
}

// FindItem implements ledger.CatalogStore.
func (m *MemoryStore) FindItem(ctx context.Context, key string) (ledger.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.findItem(ctx, key)
}

// FindItemsByLookup implements ledger.CatalogStore.
func (m *MemoryStore) FindItemsByLookup(ctx context.Context, term string) ([]ledger.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.findItemsByLookup(ctx, term)
}

// AdjustAvailable implements ledger.CatalogStore.
func (m *MemoryStore) AdjustAvailable(ctx context.Context, key string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.adjustAvailable(ctx, key, delta)
}

// ListAllItems implements ledger.CatalogStore.
func (m *MemoryStore) ListAllItems(ctx context.Context) ([]ledger.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.listAllItems(ctx)
}

// SearchItems implements ledger.CatalogStore.
func (m *MemoryStore) SearchItems(ctx context.Context, term string) ([]ledger.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.searchItems(ctx, term)
}

/*** BorrowerStore ***/

// RegisterBorrowers implements ledger.BorrowerStore.
func (m *MemoryStore) RegisterBorrowers(ctx context.Context, borrowers []ledger.Borrower) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.registerBorrowers(ctx, borrowers)
}

// FindBorrower implements ledger.BorrowerStore.
func (m *MemoryStore) FindBorrower(ctx context.Context, key string) (ledger.Borrower, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.findBorrower(ctx, key)
}

/*** LedgerStore ***/

// InsertLoan implements ledger.LedgerStore.
func (m *MemoryStore) InsertLoan(ctx context.Context, loan ledger.Loan) (ledger.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertLoan(ctx, loan)
}

// MarkLoanReturned implements ledger.LedgerStore.
func (m *MemoryStore) MarkLoanReturned(ctx context.Context, id int64, returnedAt time.Time, fine float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.markLoanReturned(ctx, id, returnedAt, fine)
}

// FindOutstandingLoan implements ledger.LedgerStore.
func (m *MemoryStore) FindOutstandingLoan(ctx context.Context, borrowerKey, itemKey string) (ledger.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.findOutstandingLoan(ctx, borrowerKey, itemKey)
}

// MatchOutstandingLoans implements ledger.LedgerStore.
func (m *MemoryStore) MatchOutstandingLoans(ctx context.Context, borrowerKey, lookup string) ([]ledger.OutstandingLoan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.matchOutstandingLoans(ctx, borrowerKey, lookup)
}

// CountOutstanding implements ledger.LedgerStore.
func (m *MemoryStore) CountOutstanding(ctx context.Context, borrowerKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.countOutstanding(ctx, borrowerKey)
}

// ListOutstanding implements ledger.LedgerStore.
func (m *MemoryStore) ListOutstanding(ctx context.Context, borrowerKey string) ([]ledger.OutstandingLoan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.listOutstanding(ctx, borrowerKey)
}

/*** transaction view, mutex already held by WithinTx ***/

type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) UpsertItems(ctx context.Context, items []ledger.Item) error {
	return t.store.upsertItems(ctx, items)
}

func (t *memoryTx) FindItem(ctx context.Context, key string) (ledger.Item, error) {
	return t.store.findItem(ctx, key)
}

func (t *memoryTx) FindItemsByLookup(ctx context.Context, term string) ([]ledger.Item, error) {
	return t.store.findItemsByLookup(ctx, term)
}

func (t *memoryTx) AdjustAvailable(ctx context.Context, key string, delta int) error {
	return t.store.adjustAvailable(ctx, key, delta)
}

func (t *memoryTx) ListAllItems(ctx context.Context) ([]ledger.Item, error) {
	return t.store.listAllItems(ctx)
}

func (t *memoryTx) SearchItems(ctx context.Context, term string) ([]ledger.Item, error) {
	return t.store.searchItems(ctx, term)
}

func (t *memoryTx) RegisterBorrowers(ctx context.Context, borrowers []ledger.Borrower) error {
	return t.store.registerBorrowers(ctx, borrowers)
}

func (t *memoryTx) FindBorrower(ctx context.Context, key string) (ledger.Borrower, error) {
	return t.store.findBorrower(ctx, key)
}

func (t *memoryTx) InsertLoan(ctx context.Context, loan ledger.Loan) (ledger.Loan, error) {
	return t.store.insertLoan(ctx, loan)
}

func (t *memoryTx) MarkLoanReturned(ctx context.Context, id int64, returnedAt time.Time, fine float64) error {
	return t.store.markLoanReturned(ctx, id, returnedAt, fine)
}

func (t *memoryTx) FindOutstandingLoan(ctx context.Context, borrowerKey, itemKey string) (ledger.Loan, error) {
	return t.store.findOutstandingLoan(ctx, borrowerKey, itemKey)
}

func (t *memoryTx) MatchOutstandingLoans(ctx context.Context, borrowerKey, lookup string) ([]ledger.OutstandingLoan, error) {
	return t.store.matchOutstandingLoans(ctx, borrowerKey, lookup)
}

func (t *memoryTx) CountOutstanding(ctx context.Context, borrowerKey string) (int, error) {
	return t.store.countOutstanding(ctx, borrowerKey)
}

func (t *memoryTx) ListOutstanding(ctx context.Context, borrowerKey string) ([]ledger.OutstandingLoan, error) {
	return t.store.listOutstanding(ctx, borrowerKey)
}

func (t *memoryTx) LockItem(ctx context.Context, key string) (ledger.Item, error) {
	return t.store.findItem(ctx, key)
}

/*** unlocked implementations ***/

func (m *MemoryStore) upsertItems(_ context.Context, items []ledger.Item) error {
	for _, item := range items {
		existing, ok := m.items[item.Key]
		if !ok {
			item.Available = item.Total
			m.items[item.Key] = item

			continue
		}

		existing.Total += item.Total
		existing.Available += item.Total
		m.items[item.Key] = existing
	}

	return nil
}

func (m *MemoryStore) findItem(_ context.Context, key string) (ledger.Item, error) {
	item, ok := m.items[key]
	if !ok {
		return ledger.Item{}, ledger.ErrItemNotFound
	}

	return item, nil
}

func (m *MemoryStore) findItemsByLookup(_ context.Context, term string) ([]ledger.Item, error) {
	matches := make([]ledger.Item, 0)

	for _, item := range m.items {
		if strings.Contains(strings.ToLower(item.Title), strings.ToLower(term)) {
			matches = append(matches, item)
		}
	}

	sortItems(matches)

	return matches, nil
}

func (m *MemoryStore) adjustAvailable(_ context.Context, key string, delta int) error {
	item, ok := m.items[key]
	if !ok {
		return ledger.ErrItemNotFound
	}

	item.Available += delta

	// mirrors the schema's CHECK (available BETWEEN 0 AND total)
	if item.Available < 0 || item.Available > item.Total {
		return errors.Join(ledger.ErrStoreFailed, errors.New("available out of range"))
	}

	m.items[key] = item

	return nil
}

func (m *MemoryStore) listAllItems(_ context.Context) ([]ledger.Item, error) {
	items := make([]ledger.Item, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item)
	}

	sortItems(items)

	return items, nil
}

func (m *MemoryStore) searchItems(_ context.Context, term string) ([]ledger.Item, error) {
	lowered := strings.ToLower(term)
	matches := make([]ledger.Item, 0)

	for _, item := range m.items {
		if strings.Contains(strings.ToLower(item.Key), lowered) ||
			strings.Contains(strings.ToLower(item.Title), lowered) ||
			strings.Contains(strings.ToLower(item.Author), lowered) {
			matches = append(matches, item)
		}
	}

	sortItems(matches)

	return matches, nil
}

func (m *MemoryStore) registerBorrowers(_ context.Context, borrowers []ledger.Borrower) error {
	for _, b := range borrowers {
		m.borrowers[b.Key] = b
	}

	return nil
}

func (m *MemoryStore) findBorrower(_ context.Context, key string) (ledger.Borrower, error) {
	b, ok := m.borrowers[key]
	if !ok {
		return ledger.Borrower{}, ledger.ErrBorrowerNotFound
	}

	return b, nil
}

func (m *MemoryStore) insertLoan(_ context.Context, loan ledger.Loan) (ledger.Loan, error) {
	loan.ID = m.nextLoanID
	m.nextLoanID++
	m.loans[loan.ID] = loan

	return loan, nil
}

func (m *MemoryStore) markLoanReturned(_ context.Context, id int64, returnedAt time.Time, fine float64) error {
	loan, ok := m.loans[id]
	if !ok || !loan.IsOutstanding() {
		return ledger.ErrNoOutstandingLoan
	}

	loan.ReturnedAt = &returnedAt
	loan.Fine = fine
	loan.Status = ledger.LoanStatusReturned
	m.loans[id] = loan

	return nil
}

func (m *MemoryStore) findOutstandingLoan(_ context.Context, borrowerKey, itemKey string) (ledger.Loan, error) {
	for _, loan := range m.loans {
		if loan.BorrowerKey == borrowerKey && loan.ItemKey == itemKey && loan.IsOutstanding() {
			return loan, nil
		}
	}

	return ledger.Loan{}, ledger.ErrNoOutstandingLoan
}

func (m *MemoryStore) matchOutstandingLoans(ctx context.Context, borrowerKey, lookup string) ([]ledger.OutstandingLoan, error) {
	all, err := m.listOutstanding(ctx, borrowerKey)
	if err != nil {
		return nil, err
	}

	lowered := strings.ToLower(lookup)
	matches := make([]ledger.OutstandingLoan, 0)

	for _, ol := range all {
		if ol.Item.Key == lookup || strings.Contains(strings.ToLower(ol.Item.Title), lowered) {
			matches = append(matches, ol)
		}
	}

	return matches, nil
}

func (m *MemoryStore) countOutstanding(_ context.Context, borrowerKey string) (int, error) {
	count := 0

	for _, loan := range m.loans {
		if loan.BorrowerKey == borrowerKey && loan.IsOutstanding() {
			count++
		}
	}

	return count, nil
}

func (m *MemoryStore) listOutstanding(_ context.Context, borrowerKey string) ([]ledger.OutstandingLoan, error) {
	outstanding := make([]ledger.OutstandingLoan, 0)

	for _, loan := range m.loans {
		if loan.BorrowerKey != borrowerKey || !loan.IsOutstanding() {
			continue
		}

		item := m.items[loan.ItemKey]
		outstanding = append(outstanding, ledger.OutstandingLoan{Loan: loan, Item: item})
	}

	sort.Slice(outstanding, func(i, j int) bool {
		return outstanding[i].Loan.ID < outstanding[j].Loan.ID
	})

	return outstanding, nil
}

func sortItems(items []ledger.Item) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
}
