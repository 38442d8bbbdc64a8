package postgresengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circulib/loanledger/example/shared/config"
	"github.com/circulib/loanledger/ledger"
	"github.com/circulib/loanledger/ledger/loanengine"
	"github.com/circulib/loanledger/ledger/postgresengine"
	"github.com/circulib/loanledger/testutil"
)

func setupStore(t *testing.T) *postgresengine.Store {
	t.Helper()

	cfg, err := config.LoadPostgresConfig()
	require.NoError(t, err, "error loading config in test setup")

	poolConfig, err := cfg.PGXPoolConfig()
	require.NoError(t, err, "error building pool config in test setup")

	connPool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	require.NoError(t, err, "error connecting to DB pool in test setup")
	t.Cleanup(connPool.Close)

	store, err := postgresengine.NewStoreFromPGXPool(connPool)
	require.NoError(t, err, "creating the store failed")

	require.NoError(t, store.CreateSchema(context.Background()), "error creating schema in test setup")

	return store
}

func givenItemInCatalog(t *testing.T, store *postgresengine.Store, key, title string, copies int) {
	t.Helper()

	err := store.UpsertItems(context.Background(), []ledger.Item{
		testutil.BuildItem(key, title, copies),
	})
	require.NoError(t, err, "error in arranging test data")
}

func givenRegisteredBorrower(t *testing.T, store *postgresengine.Store, key string) {
	t.Helper()

	err := store.RegisterBorrowers(context.Background(), []ledger.Borrower{
		testutil.BuildBorrower(key),
	})
	require.NoError(t, err, "error in arranging test data")
}

func Test_Store_UpsertItems_InsertAndAddCopies(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	itemKey := testutil.GivenUniqueItemKey(t)

	givenItemInCatalog(t, store, itemKey, "Domain-Driven Design", 2)

	item, err := store.FindItem(ctx, itemKey)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Total)
	assert.Equal(t, 2, item.Available)

	// same key again: copies accumulate on both counters
	givenItemInCatalog(t, store, itemKey, "Domain-Driven Design", 3)

	item, err = store.FindItem(ctx, itemKey)
	require.NoError(t, err)
	assert.Equal(t, 5, item.Total)
	assert.Equal(t, 5, item.Available)
}

func Test_Store_FindItem_NotFound(t *testing.T) {
	store := setupStore(t)

	_, err := store.FindItem(context.Background(), testutil.GivenUniqueItemKey(t))

	assert.ErrorIs(t, err, ledger.ErrItemNotFound)
}

func Test_Store_FindItemsByLookup_MatchesTitleSubstring(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	itemKey := testutil.GivenUniqueItemKey(t)

	// the key doubles as a unique marker inside the title
	givenItemInCatalog(t, store, itemKey, "Patterns of "+itemKey, 1)

	matches, err := store.FindItemsByLookup(ctx, "patterns of "+itemKey)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, itemKey, matches[0].Key)
}

func Test_Store_SearchItems_MatchesKeyTitleAndAuthor(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	itemKey := testutil.GivenUniqueItemKey(t)

	givenItemInCatalog(t, store, itemKey, "Some Title", 1)

	matches, err := store.SearchItems(ctx, itemKey)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, itemKey, matches[0].Key)
}

func Test_Store_FindBorrower(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)

	_, err := store.FindBorrower(ctx, borrowerKey)
	assert.ErrorIs(t, err, ledger.ErrBorrowerNotFound)

	givenRegisteredBorrower(t, store, borrowerKey)

	borrower, err := store.FindBorrower(ctx, borrowerKey)
	require.NoError(t, err)
	assert.Equal(t, borrowerKey, borrower.Key)
	assert.NotEmpty(t, borrower.FirstName)
}

func Test_Store_LoanLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)

	givenItemInCatalog(t, store, itemKey, "Loan Lifecycle "+itemKey, 1)
	givenRegisteredBorrower(t, store, borrowerKey)

	issuedAt := ledger.DateOf(time.Now())
	loan, err := store.InsertLoan(ctx, ledger.Loan{
		ItemKey:     itemKey,
		BorrowerKey: borrowerKey,
		IssuedAt:    issuedAt,
		DueAt:       issuedAt.AddDate(0, 0, 30),
		Status:      ledger.LoanStatusIssued,
	})
	require.NoError(t, err)
	assert.NotZero(t, loan.ID)

	count, err := store.CountOutstanding(ctx, borrowerKey)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	found, err := store.FindOutstandingLoan(ctx, borrowerKey, itemKey)
	require.NoError(t, err)
	assert.Equal(t, loan.ID, found.ID)

	matches, err := store.MatchOutstandingLoans(ctx, borrowerKey, itemKey)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, loan.ID, matches[0].Loan.ID)
	assert.Equal(t, itemKey, matches[0].Item.Key)

	returnedAt := issuedAt.AddDate(0, 0, 35)
	require.NoError(t, store.MarkLoanReturned(ctx, loan.ID, returnedAt, 5.0))

	_, err = store.FindOutstandingLoan(ctx, borrowerKey, itemKey)
	assert.ErrorIs(t, err, ledger.ErrNoOutstandingLoan)

	count, err = store.CountOutstanding(ctx, borrowerKey)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func Test_Store_MarkLoanReturned_Twice(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)

	givenItemInCatalog(t, store, itemKey, "Returned Twice "+itemKey, 1)
	givenRegisteredBorrower(t, store, borrowerKey)

	issuedAt := ledger.DateOf(time.Now())
	loan, err := store.InsertLoan(ctx, ledger.Loan{
		ItemKey:     itemKey,
		BorrowerKey: borrowerKey,
		IssuedAt:    issuedAt,
		DueAt:       issuedAt.AddDate(0, 0, 30),
		Status:      ledger.LoanStatusIssued,
	})
	require.NoError(t, err)

	require.NoError(t, store.MarkLoanReturned(ctx, loan.ID, issuedAt, 0))

	err = store.MarkLoanReturned(ctx, loan.ID, issuedAt, 0)
	assert.ErrorIs(t, err, ledger.ErrNoOutstandingLoan)
}

func Test_Store_WithinTx_RollsBackOnError(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	itemKey := testutil.GivenUniqueItemKey(t)

	givenItemInCatalog(t, store, itemKey, "Rollback "+itemKey, 3)

	txErr := store.WithinTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		if err := tx.AdjustAvailable(ctx, itemKey, -1); err != nil {
			return err
		}

		return ledger.ErrItemUnavailable
	})
	assert.ErrorIs(t, txErr, ledger.ErrItemUnavailable)

	item, err := store.FindItem(ctx, itemKey)
	require.NoError(t, err)
	assert.Equal(t, 3, item.Available, "rolled-back decrement must not be visible")
}

func Test_Store_WithinTx_CommitsOnSuccess(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	itemKey := testutil.GivenUniqueItemKey(t)

	givenItemInCatalog(t, store, itemKey, "Commit "+itemKey, 3)

	txErr := store.WithinTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		locked, err := tx.LockItem(ctx, itemKey)
		if err != nil {
			return err
		}
		assert.Equal(t, 3, locked.Available)

		return tx.AdjustAvailable(ctx, itemKey, -1)
	})
	require.NoError(t, txErr)

	item, err := store.FindItem(ctx, itemKey)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Available)
}

func Test_Engine_OnPostgres_ConcurrentIssueOfLastCopy(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	itemKey := testutil.GivenUniqueItemKey(t)

	givenItemInCatalog(t, store, itemKey, "Last Copy "+itemKey, 1)

	engine, err := loanengine.New(store)
	require.NoError(t, err)

	const contenders = 8

	borrowerKeys := make([]string, contenders)
	for i := range borrowerKeys {
		borrowerKeys[i] = testutil.GivenUniqueBorrowerKey(t)
		givenRegisteredBorrower(t, store, borrowerKeys[i])
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	unavailable := 0

	for _, borrowerKey := range borrowerKeys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()

			_, issueErr := engine.Issue(ctx, key, itemKey)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case issueErr == nil:
				succeeded++
			case assert.ErrorIs(t, issueErr, ledger.ErrItemUnavailable):
				unavailable++
			}
		}(borrowerKey)
	}

	wg.Wait()

	assert.Equal(t, 1, succeeded, "exactly one contender may win the last copy")
	assert.Equal(t, contenders-1, unavailable)

	item, err := store.FindItem(ctx, itemKey)
	require.NoError(t, err)
	assert.Equal(t, 0, item.Available)
}

func Test_Engine_OnPostgres_ConcurrentIssueForSamePair(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	itemKey := testutil.GivenUniqueItemKey(t)
	borrowerKey := testutil.GivenUniqueBorrowerKey(t)

	givenItemInCatalog(t, store, itemKey, "Same Pair "+itemKey, 1)
	givenRegisteredBorrower(t, store, borrowerKey)

	engine, err := loanengine.New(store)
	require.NoError(t, err)

	const contenders = 2

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	rejected := 0

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, issueErr := engine.Issue(ctx, borrowerKey, itemKey)

			mu.Lock()
			defer mu.Unlock()

			if issueErr == nil {
				succeeded++
				return
			}

			// the loser sees either no copy left or its own fresh loan
			assert.True(t,
				errors.Is(issueErr, ledger.ErrItemUnavailable) || errors.Is(issueErr, ledger.ErrDuplicateLoan),
				"unexpected rejection: %v", issueErr)
			rejected++
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, succeeded, "the same pair must be issued exactly once")
	assert.Equal(t, contenders-1, rejected)

	count, err := store.CountOutstanding(ctx, borrowerKey)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	item, err := store.FindItem(ctx, itemKey)
	require.NoError(t, err)
	assert.Equal(t, 0, item.Available)
}
