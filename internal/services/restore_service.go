package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"db-dump-restore/internal/config"
	"db-dump-restore/internal/models"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// RestoreState is the phase a restore run is in.
type RestoreState string

const (
	StateIdle       RestoreState = "idle"
	StateValidating RestoreState = "validating"
	StateDeleting   RestoreState = "deleting"
	StateReloading  RestoreState = "reloading"
	StateDone       RestoreState = "done"
	StateFailed     RestoreState = "failed"
)

var ErrRestoreRunning = errors.New("restore already running")

// DependencyFetcher reads the foreign keys of a schema.
type DependencyFetcher interface {
	FetchForeignKeys(ctx context.Context, schema string) ([]models.ForeignKey, error)
}

// TableCatalog describes tables of the target database.
type TableCatalog interface {
	GetAllTables(ctx context.Context) ([]string, error)
	GetTableSchema(ctx context.Context, table string) (*models.TableSchema, error)
	CountRows(ctx context.Context, table string) (int64, error)
}

type RestoreOptions struct {
	Schema      string
	OrderSource string
	Strict      bool
	Mode        models.LoadMode
	Verify      bool
	Curated     *config.OrderFile
}

// RestoreOptionsFromConfig builds run options from the loaded configuration
// and curated order file.
func RestoreOptionsFromConfig(cfg *config.AppConfig, curated *config.OrderFile) (RestoreOptions, error) {
	mode, ok := models.ParseLoadMode(cfg.Restore.Mode)
	if !ok {
		return RestoreOptions{}, fmt.Errorf("invalid restore mode %q", cfg.Restore.Mode)
	}
	switch cfg.Restore.OrderSource {
	case config.OrderSourceComputed, config.OrderSourceCurated:
	default:
		return RestoreOptions{}, fmt.Errorf("invalid order source %q", cfg.Restore.OrderSource)
	}
	if curated == nil {
		curated = config.DefaultOrderFile()
	}
	return RestoreOptions{
		Schema:      cfg.Database.Name,
		OrderSource: cfg.Restore.OrderSource,
		Strict:      cfg.Restore.StrictOrder,
		Mode:        mode,
		Verify:      cfg.Restore.Verify,
		Curated:     curated,
	}, nil
}

// OrderPlan is the order a restore will use and how it was chosen.
type OrderPlan struct {
	Order          []string               `json:"order"`
	Source         string                 `json:"source"`
	Curated        []string               `json:"curated"`
	Computed       []string               `json:"computed,omitempty"`
	Edges          []models.Edge          `json:"edges"`
	Violations     []Violation            `json:"violations"`
	SelfReferences []models.SelfReference `json:"self_references"`
	FallbackReason string                 `json:"fallback_reason,omitempty"`
	FetchFailed    bool                   `json:"fetch_failed"`
}

func (p *OrderPlan) Valid() bool { return len(p.Violations) == 0 }

// selfReferences returns every self-referencing column recorded for table.
func (p *OrderPlan) selfReferences(table string) []models.SelfReference {
	var refs []models.SelfReference
	for _, ref := range p.SelfReferences {
		if ref.Table == table {
			refs = append(refs, ref)
		}
	}
	return refs
}

func (p *OrderPlan) hasSelfReference(ref models.SelfReference) bool {
	for _, r := range p.SelfReferences {
		if r.Table == ref.Table && strings.EqualFold(r.Column, ref.Column) {
			return true
		}
	}
	return false
}

// RestoreReport is the outcome of one restore run.
type RestoreReport struct {
	RunID          string              `json:"run_id"`
	State          RestoreState        `json:"state"`
	Mode           models.LoadMode     `json:"mode"`
	Plan           *OrderPlan          `json:"plan,omitempty"`
	DeleteFailures map[string]string   `json:"delete_failures,omitempty"`
	Tables         []models.LoadResult `json:"tables"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
	Error          string              `json:"error,omitempty"`
}

// Totals sums the per-table counters.
func (r *RestoreReport) Totals() models.LoadResult {
	total := models.LoadResult{TableName: "TOTAL", Mode: r.Mode}
	for _, t := range r.Tables {
		total.Read += t.Read
		total.Inserted += t.Inserted
		total.Updated += t.Updated
		total.SkippedDuplicate += t.SkippedDuplicate
		total.SkippedFK += t.SkippedFK
		total.Lost += t.Lost
		total.RowsAfter += t.RowsAfter
		total.Duration += t.Duration
	}
	return total
}

func (r *RestoreReport) Result(table string) (models.LoadResult, bool) {
	for _, t := range r.Tables {
		if t.TableName == table {
			return t, true
		}
	}
	return models.LoadResult{}, false
}

// RestoreService wipes the target tables and reloads them from dump files in
// foreign key order.
type RestoreService struct {
	fetcher  DependencyFetcher
	catalog  TableCatalog
	sessions SessionProvider
	reader   *DumpReader
	writer   *BulkWriter
	opts     RestoreOptions
	logger   *zap.Logger

	mutex   sync.RWMutex
	state   RestoreState
	running bool
}

func NewRestoreService(fetcher DependencyFetcher, catalog TableCatalog, sessions SessionProvider, reader *DumpReader, writer *BulkWriter, opts RestoreOptions, logger *zap.Logger) *RestoreService {
	if opts.Curated == nil {
		opts.Curated = config.DefaultOrderFile()
	}
	if opts.Mode == "" {
		opts.Mode = models.LoadModeReplace
	}
	if opts.OrderSource == "" {
		opts.OrderSource = config.OrderSourceComputed
	}
	return &RestoreService{
		fetcher:  fetcher,
		catalog:  catalog,
		sessions: sessions,
		reader:   reader,
		writer:   writer,
		opts:     opts,
		logger:   logger.Named("restore"),
		state:    StateIdle,
	}
}

func (s *RestoreService) Options() RestoreOptions {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.opts
}

func (s *RestoreService) State() RestoreState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

func (s *RestoreService) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

func (s *RestoreService) setState(report *RestoreReport, state RestoreState) {
	s.mutex.Lock()
	s.state = state
	s.mutex.Unlock()
	report.State = state
	s.logger.Debug("State changed", zap.String("run_id", report.RunID), zap.String("state", string(state)))
}

// Plan picks the order with the service options.
func (s *RestoreService) Plan(ctx context.Context) (*OrderPlan, error) {
	return s.PlanWith(ctx, s.Options())
}

// PlanWith fetches the live foreign keys, validates the curated order against
// them and picks the order to run. A failed fetch or a cycle falls back to the
// curated order. In strict mode a curated order with violations is rejected
// with ErrOrderInvalid.
func (s *RestoreService) PlanWith(ctx context.Context, opts RestoreOptions) (*OrderPlan, error) {
	curated := opts.Curated
	if curated == nil {
		curated = config.DefaultOrderFile()
	}
	plan := &OrderPlan{
		Curated: append([]string(nil), curated.InsertOrder...),
		Source:  opts.OrderSource,
	}
	plan.SelfReferences = append(plan.SelfReferences, curated.SelfReferencing...)

	universe := plan.Curated
	if len(universe) == 0 {
		tables, err := s.catalog.GetAllTables(ctx)
		if err != nil {
			return plan, err
		}
		universe = tables
	}
	if len(universe) == 0 {
		return plan, fmt.Errorf("no tables to restore")
	}

	fks, err := s.fetcher.FetchForeignKeys(ctx, opts.Schema)
	if err != nil {
		s.logger.Error("Failed to fetch dependencies, using curated order", zap.Error(err))
		plan.FetchFailed = true
		plan.FallbackReason = err.Error()
		plan.Source = config.OrderSourceCurated
		plan.Order = universe
		return plan, nil
	}

	plan.Edges = EdgesFromForeignKeys(fks)
	for _, ref := range SelfReferences(fks) {
		if !plan.hasSelfReference(ref) {
			plan.SelfReferences = append(plan.SelfReferences, ref)
		}
	}

	plan.Violations = ValidateOrder(universe, plan.Edges)
	for _, v := range plan.Violations {
		s.logger.Warn("Curated order violation", zap.String("violation", v.String()))
	}

	if opts.OrderSource == config.OrderSourceComputed {
		computed, err := TopologicalOrder(universe, plan.Edges)
		if err == nil {
			plan.Computed = computed
			plan.Order = computed
			return plan, nil
		}
		s.logger.Error("Cannot compute insert order, using curated order", zap.Error(err))
		plan.FallbackReason = err.Error()
		plan.Source = config.OrderSourceCurated
	}

	plan.Order = universe
	if opts.Strict && !plan.Valid() {
		return plan, fmt.Errorf("%w: %d violation(s)", ErrOrderInvalid, len(plan.Violations))
	}
	return plan, nil
}

// Run executes a restore with the service options.
func (s *RestoreService) Run(ctx context.Context) (*RestoreReport, error) {
	return s.RunWith(ctx, s.Options())
}

// RunWith plans the order, deletes every table in reverse order with foreign
// key checks off, then reloads each table from its dump in forward order.
// Per-table failures are recorded and do not stop the run. Cancellation is
// honoured between tables only.
func (s *RestoreService) RunWith(ctx context.Context, opts RestoreOptions) (*RestoreReport, error) {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return nil, ErrRestoreRunning
	}
	s.running = true
	s.mutex.Unlock()
	defer func() {
		s.mutex.Lock()
		s.running = false
		s.mutex.Unlock()
	}()

	if opts.Mode == "" {
		opts.Mode = models.LoadModeReplace
	}
	report := &RestoreReport{
		RunID:     ulid.Make().String(),
		Mode:      opts.Mode,
		StartedAt: time.Now(),
	}
	log := s.logger.With(zap.String("run_id", report.RunID), zap.String("mode", string(opts.Mode)))
	log.Info("Starting restore", zap.String("dir", s.reader.Dir()))

	fail := func(err error) (*RestoreReport, error) {
		s.setState(report, StateFailed)
		report.Error = err.Error()
		report.FinishedAt = time.Now()
		log.Error("Restore failed", zap.Error(err))
		return report, err
	}

	s.setState(report, StateValidating)
	plan, err := s.PlanWith(ctx, opts)
	report.Plan = plan
	if err != nil {
		return fail(err)
	}
	log.Info("Order planned",
		zap.String("source", plan.Source),
		zap.Int("tables", len(plan.Order)),
		zap.Int("violations", len(plan.Violations)))

	session, err := s.sessions.Session(ctx)
	if err != nil {
		return fail(err)
	}
	defer session.Close()

	// single statements are not interrupted; ctx is only checked between tables
	stepCtx := context.WithoutCancel(ctx)

	s.setState(report, StateDeleting)
	if opts.Mode == models.LoadModeReplace {
		if err := s.deleteAll(ctx, stepCtx, session, plan.Order, report); err != nil {
			return fail(err)
		}
	} else {
		log.Info("Incremental load, keeping existing rows")
	}

	s.setState(report, StateReloading)
	for _, table := range plan.Order {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("restore cancelled before %s: %w", table, err))
		}
		report.Tables = append(report.Tables, s.reloadTable(stepCtx, session, plan, table, opts.Mode))
	}

	if opts.Verify {
		s.Verify(stepCtx, report)
	}

	s.setState(report, StateDone)
	report.FinishedAt = time.Now()
	total := report.Totals()
	log.Info("Restore finished",
		zap.Int("tables", len(report.Tables)),
		zap.Int("inserted", total.Inserted),
		zap.Int("skipped_duplicate", total.SkippedDuplicate),
		zap.Int("skipped_fk", total.SkippedFK),
		zap.Int("lost", total.Lost),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// deleteAll empties the tables in reverse order with foreign key checks
// disabled. Checks are switched back on even when deletes fail.
func (s *RestoreService) deleteAll(ctx, stepCtx context.Context, session Session, order []string, report *RestoreReport) (err error) {
	if _, err := session.ExecContext(stepCtx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
		return &DataSourceError{Op: "disable foreign key checks", Err: err}
	}
	defer func() {
		if _, enableErr := session.ExecContext(stepCtx, "SET FOREIGN_KEY_CHECKS = 1"); enableErr != nil && err == nil {
			err = &DataSourceError{Op: "enable foreign key checks", Err: enableErr}
		}
	}()

	for _, table := range Reverse(order) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("restore cancelled before deleting %s: %w", table, ctxErr)
		}
		if _, execErr := session.ExecContext(stepCtx, "DELETE FROM "+quoteIdent(table)); execErr != nil {
			if report.DeleteFailures == nil {
				report.DeleteFailures = make(map[string]string)
			}
			report.DeleteFailures[table] = execErr.Error()
			s.logger.Error("Delete failed", zap.String("table", table), zap.Error(execErr))
			continue
		}
		s.logger.Debug("Deleted rows", zap.String("table", table))
	}
	return nil
}

func (s *RestoreService) reloadTable(ctx context.Context, session Session, plan *OrderPlan, table string, mode models.LoadMode) models.LoadResult {
	log := s.logger.With(zap.String("table", table))

	schema, err := s.catalog.GetTableSchema(ctx, table)
	if err != nil {
		log.Warn("No schema, writing dump keys as columns", zap.Error(err))
		schema = nil
	}

	rows, found, err := s.reader.ReadTable(table, schema)
	if err != nil {
		log.Error("Cannot read dump", zap.Error(err))
		return models.LoadResult{TableName: table, Mode: mode, Status: StatusFailed, ErrorMessage: err.Error()}
	}
	if !found {
		log.Warn("No dump file, skipping", zap.String("dir", s.reader.Dir()))
		return models.LoadResult{TableName: table, Mode: mode, Status: StatusMissing}
	}

	var result models.LoadResult
	if refs := plan.selfReferences(table); len(refs) > 0 {
		result, err = s.writer.LoadSelfReferencing(ctx, session, refs, schema, rows, mode)
	} else {
		result, err = s.writer.Load(ctx, session, table, schema, rows, mode)
	}

	var bf *BatchFailure
	switch {
	case err == nil:
	case errors.As(err, &bf):
		log.Warn("Table loaded with failed batches", zap.Int("lost", result.Lost), zap.Error(err))
	default:
		log.Error("Table load failed", zap.Error(err))
	}
	return result
}

// Verify counts the rows of every reloaded table. A full restore verifies when
// the table holds exactly the dumped rows, an incremental load when at least
// the written rows are present.
func (s *RestoreService) Verify(ctx context.Context, report *RestoreReport) {
	for i := range report.Tables {
		res := &report.Tables[i]
		if res.Status == StatusMissing {
			continue
		}
		n, err := s.catalog.CountRows(ctx, res.TableName)
		if err != nil {
			s.logger.Warn("Cannot count rows", zap.String("table", res.TableName), zap.Error(err))
			continue
		}
		res.RowsAfter = n
		if res.Mode == models.LoadModeUpsert {
			res.Verified = n >= int64(res.Inserted)
		} else {
			res.Verified = n == int64(res.Read)
		}
		if !res.Verified {
			s.logger.Warn("Row count mismatch",
				zap.String("table", res.TableName),
				zap.Int("dumped", res.Read),
				zap.Int("inserted", res.Inserted),
				zap.Int64("rows", n))
		}
	}
}
