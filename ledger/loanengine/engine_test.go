package loanengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circulib/loanledger/ledger"
	"github.com/circulib/loanledger/ledger/loanengine"
	"github.com/circulib/loanledger/testutil"
)

type fixture struct {
	store  *testutil.MemoryStore
	engine loanengine.Engine
	clock  *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) AdvanceDays(days int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.AddDate(0, 0, days)
}

func newFixture(t *testing.T, options ...loanengine.Option) fixture {
	t.Helper()

	store := testutil.NewMemoryStore()
	c := &clock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}

	options = append([]loanengine.Option{loanengine.WithClock(c.Now)}, options...)

	engine, err := loanengine.New(store, options...)
	require.NoError(t, err)

	return fixture{store: store, engine: engine, clock: c}
}

func (f fixture) givenItem(t *testing.T, key, title string, copies int) {
	t.Helper()

	err := f.store.UpsertItems(context.Background(), []ledger.Item{
		testutil.BuildItem(key, title, copies),
	})
	require.NoError(t, err)
}

func (f fixture) givenBorrower(t *testing.T, key string) {
	t.Helper()

	err := f.store.RegisterBorrowers(context.Background(), []ledger.Borrower{
		testutil.BuildBorrower(key),
	})
	require.NoError(t, err)
}

func (f fixture) itemState(t *testing.T, key string) ledger.Item {
	t.Helper()

	item, err := f.store.FindItem(context.Background(), key)
	require.NoError(t, err)

	return item
}

func Test_Engine_Issue_HappyPath(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 3)
	f.givenBorrower(t, borrowerKey)

	receipt, err := f.engine.Issue(context.Background(), borrowerKey, itemKey)

	require.NoError(t, err)
	assert.Equal(t, itemKey, receipt.Loan.ItemKey)
	assert.Equal(t, borrowerKey, receipt.Loan.BorrowerKey)
	assert.Equal(t, ledger.LoanStatusIssued, receipt.Loan.Status)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), receipt.Loan.IssuedAt)
	assert.Equal(t, time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), receipt.Loan.DueAt)
	assert.Equal(t, 2, receipt.Item.Available)
	assert.NotEmpty(t, receipt.Message)

	assert.Equal(t, 2, f.itemState(t, itemKey).Available)
}

func Test_Engine_Issue_ByTitleSubstring(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, itemKey, "Learning Domain-Driven Design", 1)
	f.givenBorrower(t, borrowerKey)

	receipt, err := f.engine.Issue(context.Background(), borrowerKey, "domain-driven")

	require.NoError(t, err)
	assert.Equal(t, itemKey, receipt.Loan.ItemKey)
}

func Test_Engine_Issue_ExactKeyWinsOverSubstring(t *testing.T) {
	f := newFixture(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, "ddd", "Domain-Driven Design", 1)
	f.givenItem(t, "other", "All about ddd and more", 1)
	f.givenBorrower(t, borrowerKey)

	receipt, err := f.engine.Issue(context.Background(), borrowerKey, "ddd")

	require.NoError(t, err)
	assert.Equal(t, "ddd", receipt.Loan.ItemKey)
}

func Test_Engine_Issue_AmbiguousLookup(t *testing.T) {
	f := newFixture(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, testutil.GivenUniqueItemKey(t), "Domain-Driven Design", 1)
	f.givenItem(t, testutil.GivenUniqueItemKey(t), "Learning Domain-Driven Design", 1)
	f.givenBorrower(t, borrowerKey)

	_, err := f.engine.Issue(context.Background(), borrowerKey, "domain-driven")

	assert.ErrorIs(t, err, ledger.ErrAmbiguousItem)
}

func Test_Engine_Issue_UnknownBorrower(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 1)

	_, err := f.engine.Issue(context.Background(), testutil.GivenUniqueBorrowerKey(t), itemKey)

	assert.ErrorIs(t, err, ledger.ErrBorrowerNotFound)
	assert.Equal(t, 1, f.itemState(t, itemKey).Available)
}

func Test_Engine_Issue_UnknownItem(t *testing.T) {
	f := newFixture(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenBorrower(t, borrowerKey)

	_, err := f.engine.Issue(context.Background(), borrowerKey, "no-such-item")

	assert.ErrorIs(t, err, ledger.ErrItemNotFound)
}

func Test_Engine_Issue_NoAvailableCopy(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	first := testutil.GivenUniqueBorrowerKey(t)
	second := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 1)
	f.givenBorrower(t, first)
	f.givenBorrower(t, second)

	_, err := f.engine.Issue(context.Background(), first, itemKey)
	require.NoError(t, err)

	_, err = f.engine.Issue(context.Background(), second, itemKey)

	assert.ErrorIs(t, err, ledger.ErrItemUnavailable)
	assert.Equal(t, 0, f.itemState(t, itemKey).Available)

	loans, listErr := f.engine.OutstandingLoans(context.Background(), second)
	require.NoError(t, listErr)
	assert.Empty(t, loans)
}

func Test_Engine_Issue_BorrowingLimit(t *testing.T) {
	f := newFixture(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenBorrower(t, borrowerKey)

	limit := f.engine.Policy().MaxLoansPerBorrower
	for i := 0; i < limit; i++ {
		itemKey := testutil.GivenUniqueItemKey(t)
		f.givenItem(t, itemKey, "Title "+itemKey, 1)

		_, err := f.engine.Issue(context.Background(), borrowerKey, itemKey)
		require.NoError(t, err)
	}

	oneMore := testutil.GivenUniqueItemKey(t)
	f.givenItem(t, oneMore, "One more", 1)

	_, err := f.engine.Issue(context.Background(), borrowerKey, oneMore)

	assert.ErrorIs(t, err, ledger.ErrLimitExceeded)
	assert.Equal(t, 1, f.itemState(t, oneMore).Available)
}

func Test_Engine_Issue_LimitFreedByReturn(t *testing.T) {
	f := newFixture(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenBorrower(t, borrowerKey)

	limit := f.engine.Policy().MaxLoansPerBorrower
	firstKey := ""
	for i := 0; i < limit; i++ {
		itemKey := testutil.GivenUniqueItemKey(t)
		if firstKey == "" {
			firstKey = itemKey
		}
		f.givenItem(t, itemKey, "Title "+itemKey, 1)

		_, err := f.engine.Issue(context.Background(), borrowerKey, itemKey)
		require.NoError(t, err)
	}

	_, err := f.engine.Return(context.Background(), borrowerKey, firstKey)
	require.NoError(t, err)

	oneMore := testutil.GivenUniqueItemKey(t)
	f.givenItem(t, oneMore, "One more", 1)

	_, err = f.engine.Issue(context.Background(), borrowerKey, oneMore)

	assert.NoError(t, err)
}

func Test_Engine_Issue_DuplicateLoan(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 3)
	f.givenBorrower(t, borrowerKey)

	_, err := f.engine.Issue(context.Background(), borrowerKey, itemKey)
	require.NoError(t, err)

	_, err = f.engine.Issue(context.Background(), borrowerKey, itemKey)

	assert.ErrorIs(t, err, ledger.ErrDuplicateLoan)
	assert.Equal(t, 2, f.itemState(t, itemKey).Available)
}

func Test_Engine_Return_OnTime(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 1)
	f.givenBorrower(t, borrowerKey)

	_, err := f.engine.Issue(context.Background(), borrowerKey, itemKey)
	require.NoError(t, err)

	f.clock.AdvanceDays(10)

	receipt, err := f.engine.Return(context.Background(), borrowerKey, itemKey)

	require.NoError(t, err)
	assert.Zero(t, receipt.Fine)
	assert.Equal(t, ledger.LoanStatusReturned, receipt.Loan.Status)
	require.NotNil(t, receipt.Loan.ReturnedAt)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), *receipt.Loan.ReturnedAt)
	assert.Equal(t, 1, f.itemState(t, itemKey).Available)
}

func Test_Engine_Return_Overdue(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 1)
	f.givenBorrower(t, borrowerKey)

	_, err := f.engine.Issue(context.Background(), borrowerKey, itemKey)
	require.NoError(t, err)

	f.clock.AdvanceDays(35)

	receipt, err := f.engine.Return(context.Background(), borrowerKey, itemKey)

	require.NoError(t, err)
	assert.InDelta(t, 5.0, receipt.Fine, 0.0001)
	assert.InDelta(t, 5.0, receipt.Loan.Fine, 0.0001)
}

func Test_Engine_Return_Twice(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 1)
	f.givenBorrower(t, borrowerKey)

	_, err := f.engine.Issue(context.Background(), borrowerKey, itemKey)
	require.NoError(t, err)

	_, err = f.engine.Return(context.Background(), borrowerKey, itemKey)
	require.NoError(t, err)

	_, err = f.engine.Return(context.Background(), borrowerKey, itemKey)

	assert.ErrorIs(t, err, ledger.ErrNoOutstandingLoan)
	assert.Equal(t, 1, f.itemState(t, itemKey).Available)
}

func Test_Engine_Return_NothingBorrowed(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 1)
	f.givenBorrower(t, borrowerKey)

	_, err := f.engine.Return(context.Background(), borrowerKey, itemKey)

	assert.ErrorIs(t, err, ledger.ErrNoOutstandingLoan)
}

func Test_Engine_Return_AmbiguousLookup(t *testing.T) {
	f := newFixture(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	firstKey := testutil.GivenUniqueItemKey(t)
	secondKey := testutil.GivenUniqueItemKey(t)
	f.givenItem(t, firstKey, "Domain-Driven Design", 1)
	f.givenItem(t, secondKey, "Learning Domain-Driven Design", 1)
	f.givenBorrower(t, borrowerKey)

	_, err := f.engine.Issue(context.Background(), borrowerKey, firstKey)
	require.NoError(t, err)
	_, err = f.engine.Issue(context.Background(), borrowerKey, secondKey)
	require.NoError(t, err)

	_, err = f.engine.Return(context.Background(), borrowerKey, "domain-driven")

	assert.ErrorIs(t, err, ledger.ErrAmbiguousItem)
}

func Test_Engine_OutstandingLoans_ProjectsAccruingFine(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 1)
	f.givenBorrower(t, borrowerKey)

	_, err := f.engine.Issue(context.Background(), borrowerKey, itemKey)
	require.NoError(t, err)

	f.clock.AdvanceDays(33)

	loans, err := f.engine.OutstandingLoans(context.Background(), borrowerKey)

	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, itemKey, loans[0].Item.Key)
	assert.InDelta(t, 3.0, loans[0].AccruingFine, 0.0001)

	receipt, err := f.engine.Return(context.Background(), borrowerKey, itemKey)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, receipt.Fine, 0.0001)
}

func Test_Engine_OutstandingLoans_EmptyForUnknownBorrower(t *testing.T) {
	f := newFixture(t)

	loans, err := f.engine.OutstandingLoans(context.Background(), testutil.GivenUniqueBorrowerKey(t))

	require.NoError(t, err)
	assert.Empty(t, loans)
}

func Test_Engine_CustomPolicy(t *testing.T) {
	policy := ledger.Policy{LoanPeriodDays: 7, MaxLoansPerBorrower: 1, FineRatePerDay: 2.5}
	f := newFixture(t, loanengine.WithPolicy(policy))
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 2)
	f.givenBorrower(t, borrowerKey)

	receipt, err := f.engine.Issue(context.Background(), borrowerKey, itemKey)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC), receipt.Loan.DueAt)

	otherKey := testutil.GivenUniqueItemKey(t)
	f.givenItem(t, otherKey, "Another title", 1)

	_, err = f.engine.Issue(context.Background(), borrowerKey, otherKey)
	assert.ErrorIs(t, err, ledger.ErrLimitExceeded)

	f.clock.AdvanceDays(9)

	returned, err := f.engine.Return(context.Background(), borrowerKey, itemKey)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, returned.Fine, 0.0001)
}

func Test_Engine_ConcurrentIssue_LastCopyGoesToExactlyOneBorrower(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 1)

	const contenders = 10

	borrowerKeys := make([]string, contenders)
	for i := range borrowerKeys {
		borrowerKeys[i] = testutil.GivenUniqueBorrowerKey(t)
		f.givenBorrower(t, borrowerKeys[i])
	}

	var wg sync.WaitGroup
	results := make(chan error, contenders)

	for _, borrowerKey := range borrowerKeys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()

			_, err := f.engine.Issue(context.Background(), key, itemKey)
			results <- err
		}(borrowerKey)
	}

	wg.Wait()
	close(results)

	succeeded, unavailable := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, ledger.ErrItemUnavailable):
			unavailable++
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, contenders-1, unavailable)
	assert.Equal(t, 0, f.itemState(t, itemKey).Available)
}

func Test_Engine_ConcurrentIssue_SamePairIssuesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	f.givenItem(t, itemKey, "Domain-Driven Design", 1)
	f.givenBorrower(t, borrowerKey)

	const contenders = 2

	var wg sync.WaitGroup
	results := make(chan error, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := f.engine.Issue(context.Background(), borrowerKey, itemKey)
			results <- err
		}()
	}

	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}

		// the loser sees either no copy left or its own fresh loan
		assert.True(t,
			errors.Is(err, ledger.ErrItemUnavailable) || errors.Is(err, ledger.ErrDuplicateLoan),
			"unexpected rejection: %v", err)
		rejected++
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, contenders-1, rejected)
	assert.Equal(t, 0, f.itemState(t, itemKey).Available)

	count, err := f.store.CountOutstanding(context.Background(), borrowerKey)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// staleReturnStore hands the return path an outstanding-loan match that a
// concurrent return has already overtaken, the view a transaction gets when
// it read the loan before the winner committed.
type staleReturnStore struct {
	*testutil.MemoryStore
	stale []ledger.OutstandingLoan
}

func (s *staleReturnStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.TxStore) error) error {
	return s.MemoryStore.WithinTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		return fn(ctx, &staleReturnTx{TxStore: tx, stale: s.stale})
	})
}

type staleReturnTx struct {
	ledger.TxStore
	stale []ledger.OutstandingLoan
}

func (t *staleReturnTx) MatchOutstandingLoans(_ context.Context, _, _ string) ([]ledger.OutstandingLoan, error) {
	return t.stale, nil
}

func Test_Engine_Return_RacedByAnotherReturn(t *testing.T) {
	store := testutil.NewMemoryStore()
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)
	ctx := context.Background()

	item := testutil.BuildItem(itemKey, "Domain-Driven Design", 1)
	require.NoError(t, store.UpsertItems(ctx, []ledger.Item{item}))
	require.NoError(t, store.RegisterBorrowers(ctx, []ledger.Borrower{testutil.BuildBorrower(borrowerKey)}))

	issuedAt := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	loan, err := store.InsertLoan(ctx, ledger.Loan{
		ItemKey:     itemKey,
		BorrowerKey: borrowerKey,
		IssuedAt:    issuedAt,
		DueAt:       issuedAt.AddDate(0, 0, 30),
		Status:      ledger.LoanStatusIssued,
	})
	require.NoError(t, err)

	// the winning return has already committed: loan returned, copy back
	require.NoError(t, store.MarkLoanReturned(ctx, loan.ID, issuedAt, 0))

	raced := &staleReturnStore{
		MemoryStore: store,
		stale: []ledger.OutstandingLoan{
			{Loan: loan, Item: item},
		},
	}

	engine, err := loanengine.New(raced)
	require.NoError(t, err)

	_, err = engine.Return(ctx, borrowerKey, itemKey)

	assert.ErrorIs(t, err, ledger.ErrNoOutstandingLoan)

	after, err := store.FindItem(ctx, itemKey)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Available, "losing return must not touch availability")
}

func Test_Engine_New_Validation(t *testing.T) {
	t.Run("nil_store_is_rejected", func(t *testing.T) {
		_, err := loanengine.New(nil)

		assert.ErrorIs(t, err, ledger.ErrNilStore)
	})

	t.Run("invalid_policy_is_rejected", func(t *testing.T) {
		_, err := loanengine.New(testutil.NewMemoryStore(),
			loanengine.WithPolicy(ledger.Policy{}))

		assert.ErrorIs(t, err, ledger.ErrInvalidPolicy)
	})

	t.Run("nil_clock_is_rejected", func(t *testing.T) {
		_, err := loanengine.New(testutil.NewMemoryStore(),
			loanengine.WithClock(nil))

		assert.ErrorIs(t, err, loanengine.ErrNilClock)
	})
}
