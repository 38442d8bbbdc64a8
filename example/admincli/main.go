// Command admincli is a maintenance CLI for the lending ledger: schema
// setup, catalog ingest, borrower registration, and the loan lifecycle
// operations, all against the configured Postgres database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v3"

	"github.com/circulib/loanledger/example/shared/config"
	"github.com/circulib/loanledger/ledger"
	"github.com/circulib/loanledger/ledger/loanengine"
	"github.com/circulib/loanledger/ledger/postgresengine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type app struct {
	pool   *pgxpool.Pool
	store  *postgresengine.Store
	engine loanengine.Engine
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadPostgresConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	poolConfig, err := cfg.PGXPoolConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build pool config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store, err := postgresengine.NewStoreFromPGXPool(pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	engine, err := loanengine.New(store)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create loan engine: %w", err)
	}

	return &app{pool: pool, store: store, engine: engine}, nil
}

func (a *app) close() {
	a.pool.Close()
}

func withApp(fn func(ctx context.Context, a *app, cmd *cli.Command) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		return fn(ctx, a, cmd)
	}
}

func initSchema(ctx context.Context, a *app, _ *cli.Command) error {
	if err := a.store.CreateSchema(ctx); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	fmt.Println("schema is up to date")

	return nil
}

func addItems(ctx context.Context, a *app, cmd *cli.Command) error {
	var items []ledger.Item
	if err := readJSONFile(cmd.String("file"), &items); err != nil {
		return err
	}

	if err := a.store.UpsertItems(ctx, items); err != nil {
		return fmt.Errorf("failed to ingest items: %w", err)
	}

	fmt.Printf("ingested %d item(s)\n", len(items))

	return nil
}

func addBorrowers(ctx context.Context, a *app, cmd *cli.Command) error {
	var borrowers []ledger.Borrower
	if err := readJSONFile(cmd.String("file"), &borrowers); err != nil {
		return err
	}

	if err := a.store.RegisterBorrowers(ctx, borrowers); err != nil {
		return fmt.Errorf("failed to register borrowers: %w", err)
	}

	fmt.Printf("registered %d borrower(s)\n", len(borrowers))

	return nil
}

func issueLoan(ctx context.Context, a *app, cmd *cli.Command) error {
	receipt, err := a.engine.Issue(ctx, cmd.String("borrower"), cmd.String("item"))
	if err != nil {
		return err
	}

	fmt.Println(receipt.Message)
	fmt.Printf("loan %d due on %s, %d of %d copies left\n",
		receipt.Loan.ID,
		receipt.Loan.DueAt.Format("2006-01-02"),
		receipt.Item.Available,
		receipt.Item.Total,
	)

	return nil
}

func returnLoan(ctx context.Context, a *app, cmd *cli.Command) error {
	receipt, err := a.engine.Return(ctx, cmd.String("borrower"), cmd.String("item"))
	if err != nil {
		return err
	}

	fmt.Println(receipt.Message)
	if receipt.Fine > 0 {
		fmt.Printf("fine due: %.2f\n", receipt.Fine)
	}

	return nil
}

func outstanding(ctx context.Context, a *app, cmd *cli.Command) error {
	loans, err := a.engine.OutstandingLoans(ctx, cmd.String("borrower"))
	if err != nil {
		return err
	}

	if len(loans) == 0 {
		fmt.Println("no outstanding loans")
		return nil
	}

	for _, loan := range loans {
		fmt.Printf("%s  %q by %s  due %s  accruing fine %.2f\n",
			loan.Item.Key,
			loan.Item.Title,
			loan.Item.Author,
			loan.DueAt.Format("2006-01-02"),
			loan.AccruingFine,
		)
	}

	return nil
}

func search(ctx context.Context, a *app, cmd *cli.Command) error {
	items, err := a.store.SearchItems(ctx, cmd.String("term"))
	if err != nil {
		return fmt.Errorf("failed to search items: %w", err)
	}

	if len(items) == 0 {
		fmt.Println("no matching items")
		return nil
	}

	for _, item := range items {
		fmt.Printf("%s  %q by %s  %d/%d available\n",
			item.Key, item.Title, item.Author, item.Available, item.Total)
	}

	return nil
}

func readJSONFile(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return nil
}

func fileFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "Path to a JSON file with the records to load",
		Required: true,
	}
}

func borrowerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "borrower",
		Aliases:  []string{"b"},
		Usage:    "Borrower key",
		Required: true,
	}
}

func itemFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "item",
		Aliases:  []string{"i"},
		Usage:    "Item key or title fragment",
		Required: true,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "ledger-admin",
		Usage: "Maintenance CLI for the lending ledger",
		Commands: []*cli.Command{
			{
				Name:   "init-schema",
				Usage:  "Create the ledger tables if they do not exist",
				Action: withApp(initSchema),
			},
			{
				Name:   "add-items",
				Usage:  "Ingest catalog items from a JSON file",
				Flags:  []cli.Flag{fileFlag()},
				Action: withApp(addItems),
			},
			{
				Name:   "add-borrowers",
				Usage:  "Register borrowers from a JSON file",
				Flags:  []cli.Flag{fileFlag()},
				Action: withApp(addBorrowers),
			},
			{
				Name:   "issue",
				Usage:  "Issue an item to a borrower",
				Flags:  []cli.Flag{borrowerFlag(), itemFlag()},
				Action: withApp(issueLoan),
			},
			{
				Name:   "return",
				Usage:  "Return a borrowed item",
				Flags:  []cli.Flag{borrowerFlag(), itemFlag()},
				Action: withApp(returnLoan),
			},
			{
				Name:   "outstanding",
				Usage:  "List a borrower's outstanding loans with projected fines",
				Flags:  []cli.Flag{borrowerFlag()},
				Action: withApp(outstanding),
			},
			{
				Name:   "search",
				Usage:  "Search the catalog by key, title, or author",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "term",
						Aliases:  []string{"t"},
						Usage:    "Search term",
						Required: true,
					},
				},
				Action: withApp(search),
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
