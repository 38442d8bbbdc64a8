package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // driver import
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/circulib/loanledger/ledger"
	"github.com/circulib/loanledger/ledger/postgresengine/internal/adapters"
)

const (
	defaultItemsTableName     = "items"
	defaultBorrowersTableName = "borrowers"
	defaultLoansTableName     = "loans"

	logMsgBuildQueryFailed = "failed to build query"
	logMsgDBQueryFailed    = "database query execution failed"
	logMsgDBExecFailed     = "database execution failed"
	logMsgCloseRowsFailed  = "failed to close database rows"
	logMsgScanRowFailed    = "failed to scan database row"
	logMsgRowsAffected     = "failed to get rows affected count"
	logMsgRollbackFailed   = "failed to roll back transaction"
	logMsgTxCommitted      = "transaction committed"
	logMsgSQLExecuted      = "executed sql for: "
	logMsgOperation        = "ledger store operation: "
	logAttrError           = "error"
	logAttrQuery           = "query"
	logAttrRowCount        = "row_count"
	logAttrDurationMS      = "duration_ms"
	logActionQuery         = "query"
	logActionExec          = "exec"

	colItemKey     = "item_key"
	colTitle       = "title"
	colAuthor      = "author"
	colTotal       = "total"
	colAvailable   = "available"
	colBorrowerKey = "borrower_key"
	colFirstName   = "first_name"
	colLastName    = "last_name"
	colDepartment  = "department"
	colBranch      = "branch"
	colLoanID      = "id"
	colIssuedAt    = "issued_at"
	colDueAt       = "due_at"
	colReturnedAt  = "returned_at"
	colFine        = "fine"
	colStatus      = "status"

	dialectPostgres = "postgres"

	pgCodeSerializationFailure = "40001"
	pgCodeDeadlockDetected     = "40P01"
)

type tableNames struct {
	items     string
	borrowers string
	loans     string
}

// session executes the ledger queries against one DBRunner, which is either
// the connection pool or an open transaction. Store and the transaction
// view both embed it, so every operation is available on both sides.
type session struct {
	run    adapters.DBRunner
	tables tableNames
	logger Logger
}

// Store is the Postgres implementation of ledger.Store. It builds all SQL
// with goqu and runs it through a database adapter, so it works with a
// pgxpool.Pool, a database/sql DB, or a sqlx.DB.
type Store struct {
	session
	db adapters.DBAdapter
}

// NewStoreFromPGXPool creates a new Store using a pgx Pool with optional configuration.
func NewStoreFromPGXPool(db *pgxpool.Pool, options ...Option) (*Store, error) {
	if db == nil {
		return nil, ledger.ErrNilDatabaseConnection
	}

	return newStore(adapters.NewPGXAdapter(db), options...)
}

// NewStoreFromSQLDB creates a new Store using a sql.DB with optional configuration.
func NewStoreFromSQLDB(db *sql.DB, options ...Option) (*Store, error) {
	if db == nil {
		return nil, ledger.ErrNilDatabaseConnection
	}

	return newStore(adapters.NewSQLAdapter(db), options...)
}

// NewStoreFromSQLX creates a new Store using a sqlx.DB with optional configuration.
func NewStoreFromSQLX(db *sqlx.DB, options ...Option) (*Store, error) {
	if db == nil {
		return nil, ledger.ErrNilDatabaseConnection
	}

	return newStore(adapters.NewSQLXAdapter(db), options...)
}

func newStore(db adapters.DBAdapter, options ...Option) (*Store, error) {
	s := &Store{
		session: session{
			run: db,
			tables: tableNames{
				items:     defaultItemsTableName,
				borrowers: defaultBorrowersTableName,
				loans:     defaultLoansTableName,
			},
		},
		db: db,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// WithinTx runs fn inside a single database transaction. A non-nil error
// from fn rolls the transaction back and is returned unchanged, so
// business-rule failures pass through untouched. Begin/commit failures are
// mapped to ledger.ErrStoreFailed, transient lock conflicts to
// ledger.ErrStoreConflict.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.TxStore) error) error {
	dbTx, beginErr := s.db.Begin(ctx)
	if beginErr != nil {
		return s.storeError(beginErr)
	}

	txView := &txSession{session{run: dbTx, tables: s.tables, logger: s.logger}}

	if fnErr := fn(ctx, txView); fnErr != nil {
		if rbErr := dbTx.Rollback(ctx); rbErr != nil {
			if s.logger != nil {
				s.logger.Warn(logMsgRollbackFailed, logAttrError, rbErr.Error())
			}
		}

		return fnErr
	}

	if commitErr := dbTx.Commit(ctx); commitErr != nil {
		_ = dbTx.Rollback(ctx)
		return s.storeError(commitErr)
	}

	if s.logger != nil {
		s.logger.Debug(logMsgTxCommitted)
	}

	return nil
}

// txSession is the transaction view handed to WithinTx callbacks.
type txSession struct {
	session
}

// LockItem reads the item row under a row-level lock (SELECT ... FOR UPDATE),
// serializing concurrent transitions for the same item until commit.
func (t *txSession) LockItem(ctx context.Context, key string) (ledger.Item, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(t.tables.items).
		Select(colItemKey, colTitle, colAuthor, colTotal, colAvailable).
		Where(goqu.Ex{colItemKey: key}).
		ForUpdate(exp.Wait)

	items, err := t.queryItems(ctx, selectStmt)
	if err != nil {
		return ledger.Item{}, err
	}

	if len(items) == 0 {
		return ledger.Item{}, ledger.ErrItemNotFound
	}

	return items[0], nil
}

/*** CatalogStore ***/

// UpsertItems inserts new items or adds copies to existing ones. On key
// conflict both total and available grow by the supplied total, matching
// catalog ingest semantics where a delivery adds copies.
func (s session) UpsertItems(ctx context.Context, items []ledger.Item) error {
	if len(items) == 0 {
		return nil
	}

	vals := make([][]any, 0, len(items))
	for _, item := range items {
		vals = append(vals, goqu.Vals{item.Key, item.Title, item.Author, item.Total, item.Total})
	}

	insertStmt := goqu.Dialect(dialectPostgres).
		Insert(s.tables.items).
		Cols(colItemKey, colTitle, colAuthor, colTotal, colAvailable).
		Vals(vals...).
		OnConflict(goqu.DoUpdate(colItemKey, goqu.Record{
			colTotal:     goqu.L(fmt.Sprintf("%s.%s + EXCLUDED.%s", s.tables.items, colTotal, colTotal)),
			colAvailable: goqu.L(fmt.Sprintf("%s.%s + EXCLUDED.%s", s.tables.items, colAvailable, colTotal)),
		}))

	_, err := s.exec(ctx, insertStmt.ToSQL)

	return err
}

// FindItem looks up an item by its exact key.
func (s session) FindItem(ctx context.Context, key string) (ledger.Item, error) {
	items, err := s.queryItems(ctx, s.selectItems().Where(goqu.Ex{colItemKey: key}))
	if err != nil {
		return ledger.Item{}, err
	}

	if len(items) == 0 {
		return ledger.Item{}, ledger.ErrItemNotFound
	}

	return items[0], nil
}

// FindItemsByLookup returns all items whose title contains the term,
// case-insensitively.
func (s session) FindItemsByLookup(ctx context.Context, term string) ([]ledger.Item, error) {
	return s.queryItems(ctx, s.selectItems().
		Where(goqu.C(colTitle).ILike(contains(term))).
		Order(goqu.I(colItemKey).Asc()))
}

// AdjustAvailable shifts an item's available count by delta. The schema's
// CHECK constraint rejects any adjustment that would leave the count
// negative or above total.
func (s session) AdjustAvailable(ctx context.Context, key string, delta int) error {
	updateStmt := goqu.Dialect(dialectPostgres).
		Update(s.tables.items).
		Set(goqu.Record{colAvailable: goqu.L(fmt.Sprintf("%s + %d", colAvailable, delta))}).
		Where(goqu.Ex{colItemKey: key})

	rowsAffected, err := s.exec(ctx, updateStmt.ToSQL)
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ledger.ErrItemNotFound
	}

	return nil
}

// ListAllItems returns the whole catalog ordered by key.
func (s session) ListAllItems(ctx context.Context) ([]ledger.Item, error) {
	return s.queryItems(ctx, s.selectItems().Order(goqu.I(colItemKey).Asc()))
}

// SearchItems matches key, title, or author as a case-insensitive substring.
func (s session) SearchItems(ctx context.Context, term string) ([]ledger.Item, error) {
	pattern := contains(term)

	return s.queryItems(ctx, s.selectItems().
		Where(goqu.Or(
			goqu.C(colItemKey).ILike(pattern),
			goqu.C(colTitle).ILike(pattern),
			goqu.C(colAuthor).ILike(pattern),
		)).
		Order(goqu.I(colItemKey).Asc()))
}

/*** BorrowerStore ***/

// RegisterBorrowers inserts new borrowers.
func (s session) RegisterBorrowers(ctx context.Context, borrowers []ledger.Borrower) error {
	if len(borrowers) == 0 {
		return nil
	}

	vals := make([][]any, 0, len(borrowers))
	for _, b := range borrowers {
		vals = append(vals, goqu.Vals{b.Key, b.FirstName, b.LastName, b.Department, b.Branch})
	}

	insertStmt := goqu.Dialect(dialectPostgres).
		Insert(s.tables.borrowers).
		Cols(colBorrowerKey, colFirstName, colLastName, colDepartment, colBranch).
		Vals(vals...)

	_, err := s.exec(ctx, insertStmt.ToSQL)

	return err
}

// FindBorrower looks up a borrower by key.
func (s session) FindBorrower(ctx context.Context, key string) (ledger.Borrower, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(s.tables.borrowers).
		Select(colBorrowerKey, colFirstName, colLastName, colDepartment, colBranch).
		Where(goqu.Ex{colBorrowerKey: key})

	rows, err := s.query(ctx, selectStmt.ToSQL)
	if err != nil {
		return ledger.Borrower{}, err
	}
	defer s.closeRows(rows)

	if !rows.Next() {
		return ledger.Borrower{}, ledger.ErrBorrowerNotFound
	}

	var b ledger.Borrower
	if scanErr := rows.Scan(&b.Key, &b.FirstName, &b.LastName, &b.Department, &b.Branch); scanErr != nil {
		return ledger.Borrower{}, s.scanError(scanErr)
	}

	return b, nil
}

/*** LedgerStore ***/

// InsertLoan persists a new loan and returns it with its assigned ID.
func (s session) InsertLoan(ctx context.Context, loan ledger.Loan) (ledger.Loan, error) {
	insertStmt := goqu.Dialect(dialectPostgres).
		Insert(s.tables.loans).
		Cols(colItemKey, colBorrowerKey, colIssuedAt, colDueAt, colFine, colStatus).
		Vals(goqu.Vals{
			loan.ItemKey,
			loan.BorrowerKey,
			dateLiteral(loan.IssuedAt),
			dateLiteral(loan.DueAt),
			loan.Fine,
			string(loan.Status),
		}).
		Returning(colLoanID)

	rows, err := s.query(ctx, insertStmt.ToSQL)
	if err != nil {
		return ledger.Loan{}, err
	}
	defer s.closeRows(rows)

	if !rows.Next() {
		return ledger.Loan{}, s.storeError(errors.New("insert returned no id"))
	}

	if scanErr := rows.Scan(&loan.ID); scanErr != nil {
		return ledger.Loan{}, s.scanError(scanErr)
	}

	return loan, nil
}

// MarkLoanReturned sets the return date and the frozen fine and flips the
// loan to returned. The status predicate makes the transition exactly-once:
// an already returned loan affects zero rows.
func (s session) MarkLoanReturned(ctx context.Context, id int64, returnedAt time.Time, fine float64) error {
	updateStmt := goqu.Dialect(dialectPostgres).
		Update(s.tables.loans).
		Set(goqu.Record{
			colReturnedAt: dateLiteral(returnedAt),
			colFine:       fine,
			colStatus:     string(ledger.LoanStatusReturned),
		}).
		Where(goqu.Ex{
			colLoanID: id,
			colStatus: string(ledger.LoanStatusIssued),
		})

	rowsAffected, err := s.exec(ctx, updateStmt.ToSQL)
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ledger.ErrNoOutstandingLoan
	}

	return nil
}

// FindOutstandingLoan returns the single outstanding loan for the exact
// (borrower, item) pair.
func (s session) FindOutstandingLoan(ctx context.Context, borrowerKey, itemKey string) (ledger.Loan, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(s.tables.loans).
		Select(colLoanID, colItemKey, colBorrowerKey, colIssuedAt, colDueAt, colReturnedAt, colFine, colStatus).
		Where(goqu.Ex{
			colBorrowerKey: borrowerKey,
			colItemKey:     itemKey,
			colStatus:      string(ledger.LoanStatusIssued),
		})

	rows, err := s.query(ctx, selectStmt.ToSQL)
	if err != nil {
		return ledger.Loan{}, err
	}
	defer s.closeRows(rows)

	if !rows.Next() {
		return ledger.Loan{}, ledger.ErrNoOutstandingLoan
	}

	loan, scanErr := s.scanLoan(rows)
	if scanErr != nil {
		return ledger.Loan{}, scanErr
	}

	return loan, nil
}

// MatchOutstandingLoans returns the borrower's outstanding loans whose item
// matches the lookup term by exact key or case-insensitive title substring.
func (s session) MatchOutstandingLoans(ctx context.Context, borrowerKey, lookup string) ([]ledger.OutstandingLoan, error) {
	return s.queryOutstanding(ctx, s.selectOutstanding(borrowerKey).
		Where(goqu.Or(
			goqu.I("i."+colItemKey).Eq(lookup),
			goqu.I("i."+colTitle).ILike(contains(lookup)),
		)))
}

// CountOutstanding counts the borrower's outstanding loans.
func (s session) CountOutstanding(ctx context.Context, borrowerKey string) (int, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(s.tables.loans).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.Ex{
			colBorrowerKey: borrowerKey,
			colStatus:      string(ledger.LoanStatusIssued),
		})

	rows, err := s.query(ctx, selectStmt.ToSQL)
	if err != nil {
		return 0, err
	}
	defer s.closeRows(rows)

	var count int
	if rows.Next() {
		if scanErr := rows.Scan(&count); scanErr != nil {
			return 0, s.scanError(scanErr)
		}
	}

	return count, nil
}

// ListOutstanding returns all of the borrower's outstanding loans joined
// with their items.
func (s session) ListOutstanding(ctx context.Context, borrowerKey string) ([]ledger.OutstandingLoan, error) {
	return s.queryOutstanding(ctx, s.selectOutstanding(borrowerKey))
}

/*** query building and execution helpers ***/

type toSQLFunc func() (string, []any, error)

func (s session) selectItems() *goqu.SelectDataset {
	return goqu.Dialect(dialectPostgres).
		From(s.tables.items).
		Select(colItemKey, colTitle, colAuthor, colTotal, colAvailable)
}

func (s session) selectOutstanding(borrowerKey string) *goqu.SelectDataset {
	return goqu.Dialect(dialectPostgres).
		From(goqu.T(s.tables.loans).As("l")).
		Join(
			goqu.T(s.tables.items).As("i"),
			goqu.On(goqu.I("l."+colItemKey).Eq(goqu.I("i."+colItemKey))),
		).
		Select(
			goqu.I("l."+colLoanID), goqu.I("l."+colItemKey), goqu.I("l."+colBorrowerKey),
			goqu.I("l."+colIssuedAt), goqu.I("l."+colDueAt), goqu.I("l."+colReturnedAt),
			goqu.I("l."+colFine), goqu.I("l."+colStatus),
			goqu.I("i."+colTitle), goqu.I("i."+colAuthor), goqu.I("i."+colTotal), goqu.I("i."+colAvailable),
		).
		Where(
			goqu.I("l."+colBorrowerKey).Eq(borrowerKey),
			goqu.I("l."+colStatus).Eq(string(ledger.LoanStatusIssued)),
		).
		Order(goqu.I("l." + colLoanID).Asc())
}

func (s session) queryItems(ctx context.Context, selectStmt *goqu.SelectDataset) ([]ledger.Item, error) {
	rows, err := s.query(ctx, selectStmt.ToSQL)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	items := make([]ledger.Item, 0)

	for rows.Next() {
		var item ledger.Item
		if scanErr := rows.Scan(&item.Key, &item.Title, &item.Author, &item.Total, &item.Available); scanErr != nil {
			return nil, s.scanError(scanErr)
		}

		items = append(items, item)
	}

	return items, nil
}

func (s session) queryOutstanding(ctx context.Context, selectStmt *goqu.SelectDataset) ([]ledger.OutstandingLoan, error) {
	rows, err := s.query(ctx, selectStmt.ToSQL)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	outstanding := make([]ledger.OutstandingLoan, 0)

	for rows.Next() {
		var (
			loan       ledger.Loan
			item       ledger.Item
			returnedAt sql.NullTime
			status     string
		)

		scanErr := rows.Scan(
			&loan.ID, &loan.ItemKey, &loan.BorrowerKey,
			&loan.IssuedAt, &loan.DueAt, &returnedAt,
			&loan.Fine, &status,
			&item.Title, &item.Author, &item.Total, &item.Available,
		)
		if scanErr != nil {
			return nil, s.scanError(scanErr)
		}

		loan.Status = ledger.LoanStatus(status)
		if returnedAt.Valid {
			t := returnedAt.Time
			loan.ReturnedAt = &t
		}

		item.Key = loan.ItemKey

		outstanding = append(outstanding, ledger.OutstandingLoan{Loan: loan, Item: item})
	}

	return outstanding, nil
}

func (s session) scanLoan(rows adapters.DBRows) (ledger.Loan, error) {
	var (
		loan       ledger.Loan
		returnedAt sql.NullTime
		status     string
	)

	scanErr := rows.Scan(
		&loan.ID, &loan.ItemKey, &loan.BorrowerKey,
		&loan.IssuedAt, &loan.DueAt, &returnedAt,
		&loan.Fine, &status,
	)
	if scanErr != nil {
		return ledger.Loan{}, s.scanError(scanErr)
	}

	loan.Status = ledger.LoanStatus(status)
	if returnedAt.Valid {
		t := returnedAt.Time
		loan.ReturnedAt = &t
	}

	return loan, nil
}

func (s session) query(ctx context.Context, toSQL toSQLFunc) (adapters.DBRows, error) {
	sqlQuery, _, buildErr := toSQL()
	if buildErr != nil {
		if s.logger != nil {
			s.logger.Error(logMsgBuildQueryFailed, logAttrError, buildErr.Error())
		}

		return nil, s.storeError(buildErr)
	}

	start := time.Now()
	rows, queryErr := s.run.Query(ctx, sqlQuery)
	s.logQueryWithDuration(sqlQuery, logActionQuery, time.Since(start))

	if queryErr != nil {
		if s.logger != nil {
			s.logger.Error(logMsgDBQueryFailed, logAttrError, queryErr.Error(), logAttrQuery, sqlQuery)
		}

		return nil, s.storeError(queryErr)
	}

	return rows, nil
}

func (s session) exec(ctx context.Context, toSQL toSQLFunc) (int64, error) {
	sqlQuery, _, buildErr := toSQL()
	if buildErr != nil {
		if s.logger != nil {
			s.logger.Error(logMsgBuildQueryFailed, logAttrError, buildErr.Error())
		}

		return 0, s.storeError(buildErr)
	}

	start := time.Now()
	result, execErr := s.run.Exec(ctx, sqlQuery)
	s.logQueryWithDuration(sqlQuery, logActionExec, time.Since(start))

	if execErr != nil {
		if s.logger != nil {
			s.logger.Error(logMsgDBExecFailed, logAttrError, execErr.Error(), logAttrQuery, sqlQuery)
		}

		return 0, s.storeError(execErr)
	}

	rowsAffected, rowsAffectedErr := result.RowsAffected()
	if rowsAffectedErr != nil {
		if s.logger != nil {
			s.logger.Error(logMsgRowsAffected, logAttrError, rowsAffectedErr.Error())
		}

		return 0, s.storeError(rowsAffectedErr)
	}

	if s.logger != nil {
		s.logger.Info(logMsgOperation+logActionExec, logAttrRowCount, rowsAffected)
	}

	return rowsAffected, nil
}

// closeRows safely closes database rows and logs any errors.
func (s session) closeRows(rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		if s.logger != nil {
			s.logger.Warn(logMsgCloseRowsFailed, logAttrError, closeErr.Error())
		}
	}
}

func (s session) scanError(err error) error {
	if s.logger != nil {
		s.logger.Error(logMsgScanRowFailed, logAttrError, err.Error())
	}

	return s.storeError(err)
}

// storeError maps a raw database error to the ledger sentinel it belongs
// under: transient lock/serialization conflicts become ErrStoreConflict so
// the engine can retry, everything else becomes ErrStoreFailed.
func (s session) storeError(err error) error {
	if isTransientConflict(err) {
		return errors.Join(ledger.ErrStoreConflict, err)
	}

	return errors.Join(ledger.ErrStoreFailed, err)
}

func isTransientConflict(err error) bool {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code == pgCodeSerializationFailure || pgxErr.Code == pgCodeDeadlockDetected
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return code == pgCodeSerializationFailure || code == pgCodeDeadlockDetected
	}

	return false
}

// logQueryWithDuration logs SQL queries with execution time at debug level if the logger is configured.
func (s session) logQueryWithDuration(sqlQuery string, action string, duration time.Duration) {
	if s.logger != nil {
		s.logger.Debug(logMsgSQLExecuted+action, logAttrDurationMS, durationToMilliseconds(duration), logAttrQuery, sqlQuery)
	}
}

// durationToMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func durationToMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

func contains(term string) string {
	return "%" + term + "%"
}

// dateLiteral renders a timestamp as its calendar date, matching the DATE
// columns of the loans table.
func dateLiteral(t time.Time) string {
	return ledger.DateOf(t).Format("2006-01-02")
}
