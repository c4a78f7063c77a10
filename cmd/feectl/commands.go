package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"feeledger/internal/backend"
	"feeledger/internal/cli"
	"feeledger/internal/config"
	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/services"
	"feeledger/internal/sheets"
	gsheet "feeledger/internal/sheets/google"
	"feeledger/internal/sheets/xlsx"
	"feeledger/internal/storage"
)

// Commands lists every feectl subcommand.
var Commands = []subcommands.Command{
	&seedCmd{},
	&reconcileCmd{},
	&statusCmd{},
	&summaryCmd{},
	&breakdownCmd{},
	&reportCmd{},
	&payCmd{},
}

// app holds what every subcommand needs once the store is open.
type app struct {
	cfg    *config.Config
	logger *log.Logger
	store  *backend.BackendResult
	clock  core.Clock
	stats  *services.Statistics
}

func openApp(ctx context.Context) (*app, error) {
	cfg, logger, err := cli.LoadCLIConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	res, err := backend.NewFactory(logger.WithComponent(log.ComponentBackend).Logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return nil, err
	}
	clock := cli.Clock(cfg)
	return &app{
		cfg:    cfg,
		logger: logger,
		store:  res,
		clock:  clock,
		stats:  services.NewStatistics(res.Store, clock, services.StatsConfig{GraceDays: cfg.GracePeriodDays}, nil),
	}, nil
}

func (a *app) close() {
	if err := a.store.Cleanup(); err != nil {
		a.logger.ErrorContext(context.Background(), "Failed to close store", log.FieldError, err)
	}
}

func (a *app) query() *services.QueryService {
	return services.NewQueryService(a.store.Store, a.clock, a.cfg.GracePeriodDays, a.stats)
}

// run opens the app, calls fn and maps errors to exit codes.
func run(ctx context.Context, fn func(ctx context.Context, a *app) error) subcommands.ExitStatus {
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.close()
	if err := fn(ctx, a); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var usage usageError
		if errors.As(err, &usage) {
			return subcommands.ExitUsageError
		}
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func optionalDate(s string) (*core.Date, error) {
	if s == "" {
		return nil, nil
	}
	d, err := core.ParseDate(s)
	if err != nil {
		return nil, usageError{fmt.Sprintf("invalid date %q, want YYYY-MM-DD", s)}
	}
	return &d, nil
}

type seedCmd struct {
	file string
}

func (*seedCmd) Name() string     { return "seed" }
func (*seedCmd) Synopsis() string { return "load fees, households and payments from a JSON file" }
func (*seedCmd) Usage() string {
	return `feectl seed -f <file>

  Upserts fees and households and inserts payments that are not yet recorded.
`
}

func (c *seedCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.file, "f", "", "Seed file (JSON)")
}

func (c *seedCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.file == "" {
		fmt.Fprintln(os.Stderr, "Error: -f is required")
		return subcommands.ExitUsageError
	}
	return run(ctx, func(ctx context.Context, a *app) error {
		seed, err := storage.LoadSeed(c.file, a.cfg.Currency)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, a.store.Store); err != nil {
			return err
		}
		printMarkdown(fmt.Sprintf("Seeded **%d** fees, **%d** households and **%d** payments from `%s`\n",
			len(seed.Fees), len(seed.Households), len(seed.Payments), c.file))
		return nil
	})
}

type reconcileCmd struct {
	asOf    string
	workers int
}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "materialize obligations and flag overdue rows" }
func (*reconcileCmd) Usage() string {
	return `feectl reconcile [-d <date>] [-workers <n>]

  Runs one reconciliation as of the given date (defaults to today).
`
}

func (c *reconcileCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.asOf, "d", "", "Reconcile as of this date (defaults to today)")
	f.IntVar(&c.workers, "workers", 0, "Households reconciled in parallel (defaults to RECONCILE_WORKERS)")
}

func (c *reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(ctx context.Context, a *app) error {
		asOf, err := optionalDate(c.asOf)
		if err != nil {
			return err
		}
		day := a.clock.Today()
		if asOf != nil {
			day = *asOf
		}
		threshold, err := a.cfg.AlertThreshold()
		if err != nil {
			return fmt.Errorf("ARREARS_ALERT_THRESHOLD: %w", err)
		}
		workers := a.cfg.ReconcileWorkers
		if c.workers > 0 {
			workers = c.workers
		}
		ledger := services.NewLedger(a.store.Store, services.LedgerConfig{
			GraceDays:      a.cfg.GracePeriodDays,
			AlertThreshold: threshold,
			Workers:        workers,
		}, nil)
		report, err := ledger.Reconcile(ctx, day)
		if err != nil {
			return err
		}
		printMarkdown(reconcileMarkdown(report, a.cfg.Currency))
		return nil
	})
}

type statusCmd struct {
	household string
	asOf      string
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "show the fee statement of a household" }
func (*statusCmd) Usage() string {
	return `feectl status -h <household> [-d <date>]

  Lists every obligation of the household with its effective status.
`
}

func (c *statusCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.household, "h", "", "Household ID")
	f.StringVar(&c.asOf, "d", "", "Statement date (defaults to today)")
}

func (c *statusCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.household == "" {
		fmt.Fprintln(os.Stderr, "Error: -h is required")
		return subcommands.ExitUsageError
	}
	return run(ctx, func(ctx context.Context, a *app) error {
		asOf, err := optionalDate(c.asOf)
		if err != nil {
			return err
		}
		st, err := a.query().GetHouseholdFeeStatus(ctx, c.household, asOf)
		if err != nil {
			return err
		}
		printMarkdown(statementMarkdown(st, a.cfg.Currency))
		return nil
	})
}

type summaryCmd struct {
	asOf string
}

func (*summaryCmd) Name() string     { return "summary" }
func (*summaryCmd) Synopsis() string { return "show collection totals" }
func (*summaryCmd) Usage() string {
	return `feectl summary [-d <date>]

  Displays collected and outstanding totals with row counts per status.
`
}

func (c *summaryCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.asOf, "d", "", "Summary date (defaults to today)")
}

func (c *summaryCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(ctx context.Context, a *app) error {
		asOf, err := optionalDate(c.asOf)
		if err != nil {
			return err
		}
		s, err := a.query().DashboardSummary(ctx, asOf)
		if err != nil {
			return err
		}
		printMarkdown(summaryMarkdown(s, a.cfg.Currency))
		return nil
	})
}

type breakdownCmd struct {
	period string
}

func (*breakdownCmd) Name() string     { return "breakdown" }
func (*breakdownCmd) Synopsis() string { return "count and sum rows per payment status" }
func (*breakdownCmd) Usage() string {
	return `feectl breakdown [-p <YYYY-MM>]

  Groups ledger rows by status, optionally for a single billing period.
`
}

func (c *breakdownCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.period, "p", "", "Billing period (YYYY-MM)")
}

func (c *breakdownCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(ctx context.Context, a *app) error {
		var period *core.Period
		if c.period != "" {
			p, err := core.ParsePeriod(c.period)
			if err != nil {
				return usageError{err.Error()}
			}
			period = &p
		}
		bd, err := a.query().PaymentStatusBreakdown(ctx, period)
		if err != nil {
			return err
		}
		printMarkdown(breakdownMarkdown(bd, period, a.cfg.Currency))
		return nil
	})
}

type reportCmd struct {
	from    string
	to      string
	xlsxDir string
	sheet   bool
}

func (*reportCmd) Name() string     { return "report" }
func (*reportCmd) Synopsis() string { return "monthly collection trend, optionally exported" }
func (*reportCmd) Usage() string {
	return `feectl report -from <YYYY-MM> -to <YYYY-MM> [-xlsx <dir>] [-sheet]

  Displays collected, outstanding and newly overdue figures per month.
  -xlsx writes a workbook into dir; -sheet writes to GOOGLE_SPREADSHEET_ID.
`
}

func (c *reportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.from, "from", "", "First period (YYYY-MM)")
	f.StringVar(&c.to, "to", "", "Last period (YYYY-MM)")
	f.StringVar(&c.xlsxDir, "xlsx", "", "Write an .xlsx workbook into this directory")
	f.BoolVar(&c.sheet, "sheet", false, "Export to Google Sheets")
}

func (c *reportCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(ctx context.Context, a *app) error {
		from, err := core.ParsePeriod(c.from)
		if err != nil {
			return usageError{"-from: " + err.Error()}
		}
		to, err := core.ParsePeriod(c.to)
		if err != nil {
			return usageError{"-to: " + err.Error()}
		}
		entries, err := a.query().MonthlyReport(ctx, from, to)
		if err != nil {
			return err
		}
		printMarkdown(monthlyMarkdown(entries, a.cfg.Currency))

		var writers []sheets.ReportWriter
		if c.xlsxDir != "" {
			writers = append(writers, xlsx.Writer{Dir: c.xlsxDir})
		}
		if c.sheet {
			client, err := gsheet.New(ctx, gsheet.Config{
				SpreadsheetID:      a.cfg.GoogleSpreadsheetID,
				SheetName:          a.cfg.GoogleReportSheet,
				ServiceAccountFile: a.cfg.GoogleServiceAccountFile,
				ServiceAccountJSON: a.cfg.GoogleServiceAccountJSON,
			})
			if err != nil {
				return err
			}
			writers = append(writers, client)
		}
		if len(writers) == 0 {
			return nil
		}
		refs, err := a.query().ExportMonthlyReport(ctx, from, to, a.cfg.Currency, writers...)
		for _, ref := range refs {
			fmt.Fprintf(os.Stderr, "Exported report to %s\n", ref)
		}
		return err
	})
}

type payCmd struct {
	fee       string
	household string
	period    string
	amount    string
	paidOn    string
	method    string
	collector string
}

func (*payCmd) Name() string     { return "pay" }
func (*payCmd) Synopsis() string { return "record a payment against an obligation" }
func (*payCmd) Usage() string {
	return `feectl pay -fee <code> -h <household> -p <YYYY-MM> -a <amount> [-on <date>] [-m <method>] [-c <collector>]

  Settles the obligation, creating it first when the period is billable.
`
}

func (c *payCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.fee, "fee", "", "Fee code")
	f.StringVar(&c.household, "h", "", "Household ID")
	f.StringVar(&c.period, "p", "", "Billing period (YYYY-MM)")
	f.StringVar(&c.amount, "a", "", "Amount paid in major units")
	f.StringVar(&c.paidOn, "on", "", "Payment date (defaults to today)")
	f.StringVar(&c.method, "m", string(core.MethodCash), "Collection method (cash, bank_transfer, online, other)")
	f.StringVar(&c.collector, "c", "", "Who collected the payment")
}

func (c *payCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.fee == "" || c.household == "" || c.period == "" || c.amount == "" {
		fmt.Fprintln(os.Stderr, "Error: -fee, -h, -p and -a are required")
		return subcommands.ExitUsageError
	}
	return run(ctx, func(ctx context.Context, a *app) error {
		period, err := core.ParsePeriod(c.period)
		if err != nil {
			return usageError{err.Error()}
		}
		amount, err := core.ParseAmount(c.amount, a.cfg.Currency)
		if err != nil {
			return usageError{err.Error()}
		}
		method, err := core.ParseCollectionMethod(c.method)
		if err != nil {
			return usageError{err.Error()}
		}
		paidOn := a.clock.Today()
		if d, err := optionalDate(c.paidOn); err != nil {
			return err
		} else if d != nil {
			paidOn = *d
		}

		payments := services.NewPaymentService(a.store.Store, a.clock, a.cfg.GracePeriodDays, nil, a.stats, nil)
		p, err := payments.RecordPayment(ctx, services.RecordPaymentRequest{
			FeeCode:     c.fee,
			HouseholdID: c.household,
			Period:      period,
			Settlement: core.Settlement{
				Amount:    amount,
				PaidOn:    paidOn,
				Method:    method,
				Collector: c.collector,
			},
		})
		if err != nil {
			return err
		}
		printMarkdown(paymentMarkdown(p, a.cfg.Currency))
		return nil
	})
}
