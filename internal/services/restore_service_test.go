package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"db-dump-restore/internal/config"
	"db-dump-restore/internal/models"

	"go.uber.org/zap"
)

type fakeFetcher struct {
	fks []models.ForeignKey
	err error
}

func (f *fakeFetcher) FetchForeignKeys(ctx context.Context, schema string) ([]models.ForeignKey, error) {
	return f.fks, f.err
}

type fakeCatalog struct {
	mem     *memDB
	schemas map[string]*models.TableSchema
}

func (c *fakeCatalog) GetAllTables(ctx context.Context) ([]string, error) {
	var tables []string
	for t := range c.schemas {
		tables = append(tables, t)
	}
	return tables, nil
}

func (c *fakeCatalog) GetTableSchema(ctx context.Context, table string) (*models.TableSchema, error) {
	s, ok := c.schemas[table]
	if !ok {
		return nil, &DataSourceError{Op: "get table schema", Err: fmt.Errorf("table %s not found", table)}
	}
	return s, nil
}

func (c *fakeCatalog) CountRows(ctx context.Context, table string) (int64, error) {
	return int64(c.mem.count(table)), nil
}

func intSchema(name string, cols ...string) *models.TableSchema {
	s := &models.TableSchema{Name: name, PrimaryKey: []string{"id"}}
	s.Columns = append(s.Columns, models.ColumnInfo{ColumnName: "id", DataType: "int", ColumnKey: "PRI"})
	for _, c := range cols {
		s.Columns = append(s.Columns, models.ColumnInfo{ColumnName: c, DataType: "int", IsNullable: "YES"})
	}
	return s
}

func fk(table, column, ref string) models.ForeignKey {
	return models.ForeignKey{TableName: table, ColumnName: column, ReferencedTableName: ref, ReferencedColumnName: "id"}
}

// abcFixture builds tables A <- B <- C with dumps of 3, 2 and 4 rows.
func abcFixture(t *testing.T) (*memDB, *fakeCatalog, *fakeFetcher, string) {
	t.Helper()
	mem := newMemDB("A", "B", "C")
	mem.addFK("B", "aId", "A")
	mem.addFK("C", "bId", "B")

	catalog := &fakeCatalog{mem: mem, schemas: map[string]*models.TableSchema{
		"A": intSchema("A"),
		"B": intSchema("B", "aId"),
		"C": intSchema("C", "bId"),
	}}
	fetcher := &fakeFetcher{fks: []models.ForeignKey{fk("B", "aId", "A"), fk("C", "bId", "B")}}

	dir := t.TempDir()
	dumps := map[string][]models.Row{
		"A": {{"id": 1}, {"id": 2}, {"id": 3}},
		"B": {{"id": 1, "aId": 1}, {"id": 2, "aId": 3}},
		"C": {{"id": 1, "bId": 1}, {"id": 2, "bId": 2}, {"id": 3, "bId": 2}, {"id": 4, "bId": nil}},
	}
	for table, rows := range dumps {
		if err := WriteDump(filepath.Join(dir, table+"_dump.json"), rows); err != nil {
			t.Fatalf("write dump: %v", err)
		}
		for _, r := range rows {
			mem.put(table, map[string]interface{}(r))
		}
	}
	return mem, catalog, fetcher, dir
}

func newTestRestore(mem *memDB, catalog *fakeCatalog, fetcher *fakeFetcher, dir string, opts RestoreOptions) *RestoreService {
	return NewRestoreService(fetcher, catalog, mem, NewDumpReader(dir, nil), NewBulkWriter(2, zap.NewNop()), opts, zap.NewNop())
}

func TestRestoreService_EndToEnd(t *testing.T) {
	mem, catalog, fetcher, dir := abcFixture(t)
	before := map[string]int{"A": mem.count("A"), "B": mem.count("B"), "C": mem.count("C")}

	opts := RestoreOptions{
		OrderSource: config.OrderSourceComputed,
		Mode:        models.LoadModeReplace,
		Verify:      true,
		Curated:     &config.OrderFile{InsertOrder: []string{"C", "B", "A"}},
	}
	svc := newTestRestore(mem, catalog, fetcher, dir, opts)

	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.State != StateDone || svc.State() != StateDone {
		t.Errorf("state = %s", report.State)
	}
	if report.RunID == "" {
		t.Error("expected a run id")
	}
	if want := []string{"A", "B", "C"}; !reflect.DeepEqual(report.Plan.Order, want) {
		t.Errorf("order = %v, want %v", report.Plan.Order, want)
	}
	if len(report.Plan.Violations) != 2 {
		t.Errorf("expected 2 violations for the curated order, got %v", report.Plan.Violations)
	}

	var deletes []string
	for _, stmt := range mem.stmts {
		if strings.HasPrefix(stmt, "SET FOREIGN_KEY_CHECKS") || strings.HasPrefix(stmt, "DELETE") {
			deletes = append(deletes, stmt)
		}
		if len(deletes) == 5 {
			break
		}
	}
	wantDeletes := []string{
		"SET FOREIGN_KEY_CHECKS = 0",
		"DELETE FROM `C`",
		"DELETE FROM `B`",
		"DELETE FROM `A`",
		"SET FOREIGN_KEY_CHECKS = 1",
	}
	if !reflect.DeepEqual(deletes, wantDeletes) {
		t.Errorf("delete phase = %v, want %v", deletes, wantDeletes)
	}

	for table, n := range before {
		if got := mem.count(table); got != n {
			t.Errorf("%s: %d rows after restore, want %d", table, got, n)
		}
		res, ok := report.Result(table)
		if !ok {
			t.Fatalf("no result for %s", table)
		}
		if res.Status != StatusSuccess || !res.Verified || res.RowsAfter != int64(n) {
			t.Errorf("%s: unexpected result %+v", table, res)
		}
	}
	if total := report.Totals(); total.Inserted != 9 || total.SkippedFK != 0 {
		t.Errorf("unexpected totals %+v", total)
	}
}

func TestRestoreService_FetchFailureFallsBackToCurated(t *testing.T) {
	mem, catalog, fetcher, dir := abcFixture(t)
	fetcher.err = &DataSourceError{Op: "fetch foreign keys", Err: errors.New("access denied")}

	svc := newTestRestore(mem, catalog, fetcher, dir, RestoreOptions{
		OrderSource: config.OrderSourceComputed,
		Mode:        models.LoadModeReplace,
		Curated:     &config.OrderFile{InsertOrder: []string{"A", "B", "C"}},
	})
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Plan.FetchFailed || report.Plan.Source != config.OrderSourceCurated {
		t.Errorf("expected curated fallback, got %+v", report.Plan)
	}
	if want := []string{"A", "B", "C"}; !reflect.DeepEqual(report.Plan.Order, want) {
		t.Errorf("order = %v, want %v", report.Plan.Order, want)
	}
	if mem.count("C") != 4 {
		t.Errorf("C rows = %d, want 4", mem.count("C"))
	}
}

func TestRestoreService_CycleFallsBackToCurated(t *testing.T) {
	mem, catalog, fetcher, dir := abcFixture(t)
	fetcher.fks = append(fetcher.fks, fk("A", "cId", "C"))

	svc := newTestRestore(mem, catalog, fetcher, dir, RestoreOptions{
		OrderSource: config.OrderSourceComputed,
		Curated:     &config.OrderFile{InsertOrder: []string{"A", "B", "C"}},
	})
	plan, err := svc.Plan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Source != config.OrderSourceCurated || !strings.Contains(plan.FallbackReason, "cycle") {
		t.Errorf("expected cycle fallback, got %+v", plan)
	}
	if plan.Computed != nil {
		t.Errorf("no computed order expected, got %v", plan.Computed)
	}
	if len(plan.Violations) != 1 || plan.Violations[0].Dependent != "A" {
		t.Errorf("violations = %v", plan.Violations)
	}
}

func TestRestoreService_StrictRejectsInvalidCuratedOrder(t *testing.T) {
	mem, catalog, fetcher, dir := abcFixture(t)

	svc := newTestRestore(mem, catalog, fetcher, dir, RestoreOptions{
		OrderSource: config.OrderSourceCurated,
		Strict:      true,
		Mode:        models.LoadModeReplace,
		Curated:     &config.OrderFile{InsertOrder: []string{"B", "A", "C"}},
	})
	report, err := svc.Run(context.Background())
	if !errors.Is(err, ErrOrderInvalid) {
		t.Fatalf("expected ErrOrderInvalid, got %v", err)
	}
	if report.State != StateFailed {
		t.Errorf("state = %s", report.State)
	}
	if len(mem.stmts) != 0 {
		t.Errorf("no statement expected before validation passes, got %v", mem.stmts)
	}
	if mem.count("A") != 3 {
		t.Error("rows must be untouched")
	}
}

func TestRestoreService_WarnOnlyRunsCuratedOrder(t *testing.T) {
	mem, catalog, fetcher, dir := abcFixture(t)

	svc := newTestRestore(mem, catalog, fetcher, dir, RestoreOptions{
		OrderSource: config.OrderSourceCurated,
		Mode:        models.LoadModeReplace,
		Verify:      true,
		Curated:     &config.OrderFile{InsertOrder: []string{"A", "C", "B"}},
	})
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Plan.Violations) != 1 {
		t.Errorf("violations = %v", report.Plan.Violations)
	}
	// C is loaded before B so its rows pointing at B are rejected
	c, _ := report.Result("C")
	if c.Status != StatusPartial && c.Status != StatusFailed {
		t.Errorf("C status = %s", c.Status)
	}
	if c.Verified {
		t.Error("C should not verify")
	}
	if b, _ := report.Result("B"); b.Inserted != 2 {
		t.Errorf("B inserted = %d", b.Inserted)
	}
}

func TestRestoreService_MissingDumpAndSelfReference(t *testing.T) {
	mem := newMemDB("make", "model")
	mem.addFK("model", "makeId", "make")
	mem.addFK("model", "nextModelId", "model")
	catalog := &fakeCatalog{mem: mem, schemas: map[string]*models.TableSchema{
		"make":  intSchema("make"),
		"model": intSchema("model", "makeId", "nextModelId"),
	}}
	fetcher := &fakeFetcher{fks: []models.ForeignKey{
		fk("model", "makeId", "make"),
		fk("model", "nextModelId", "model"),
	}}
	mem.put("make", map[string]interface{}{"id": int64(1)})

	dir := t.TempDir()
	rows := []models.Row{
		{"id": 1, "makeId": nil, "nextModelId": 3},
		{"id": 2, "makeId": nil, "nextModelId": 1},
		{"id": 3, "makeId": nil, "nextModelId": nil},
	}
	if err := WriteDump(filepath.Join(dir, "model.json"), rows); err != nil {
		t.Fatal(err)
	}

	svc := newTestRestore(mem, catalog, fetcher, dir, RestoreOptions{
		OrderSource: config.OrderSourceComputed,
		Mode:        models.LoadModeReplace,
		Curated:     &config.OrderFile{InsertOrder: []string{"model", "make"}},
	})
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"make", "model"}; !reflect.DeepEqual(report.Plan.Order, want) {
		t.Errorf("order = %v, want %v", report.Plan.Order, want)
	}
	if want := []models.SelfReference{{Table: "model", Column: "nextModelId", Key: "id"}}; !reflect.DeepEqual(report.Plan.SelfReferences, want) {
		t.Errorf("self references = %v", report.Plan.SelfReferences)
	}

	mk, _ := report.Result("make")
	if mk.Status != StatusMissing {
		t.Errorf("make status = %s", mk.Status)
	}
	md, _ := report.Result("model")
	if md.Inserted != 3 || md.Updated != 2 {
		t.Errorf("model result %+v", md)
	}
	if got := mem.get("model", 1)["nextModelId"]; keyOf(got) != "3" {
		t.Errorf("model 1 nextModelId = %v", got)
	}
}

func TestRestoreService_UpsertModeKeepsRows(t *testing.T) {
	mem, catalog, fetcher, dir := abcFixture(t)
	mem.put("A", map[string]interface{}{"id": int64(99)})

	svc := newTestRestore(mem, catalog, fetcher, dir, RestoreOptions{
		OrderSource: config.OrderSourceComputed,
		Mode:        models.LoadModeUpsert,
		Verify:      true,
		Curated:     &config.OrderFile{InsertOrder: []string{"A", "B", "C"}},
	})
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, stmt := range mem.stmts {
		if strings.HasPrefix(stmt, "DELETE") {
			t.Fatalf("upsert run must not delete, got %q", stmt)
		}
	}
	if mem.count("A") != 4 {
		t.Errorf("A rows = %d, want 4", mem.count("A"))
	}
	if a, _ := report.Result("A"); !a.Verified || a.RowsAfter != 4 {
		t.Errorf("A result %+v", a)
	}
}

func TestRestoreService_DumpWithoutKnownColumnsFailsOnlyThatTable(t *testing.T) {
	mem, catalog, fetcher, dir := abcFixture(t)
	if err := WriteDump(filepath.Join(dir, "B_dump.json"), []models.Row{{}}); err != nil {
		t.Fatal(err)
	}

	svc := newTestRestore(mem, catalog, fetcher, dir, RestoreOptions{
		OrderSource: config.OrderSourceComputed,
		Mode:        models.LoadModeUpsert,
		Curated:     &config.OrderFile{InsertOrder: []string{"A", "B", "C"}},
	})
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.State != StateDone {
		t.Errorf("state = %s", report.State)
	}
	b, _ := report.Result("B")
	if b.Status != StatusFailed || b.Lost != 1 || !strings.Contains(b.ErrorMessage, ErrNoColumns.Error()) {
		t.Errorf("B result %+v", b)
	}
	for _, table := range []string{"A", "C"} {
		if r, _ := report.Result(table); r.Status != StatusSuccess {
			t.Errorf("%s result %+v", table, r)
		}
	}
}

func TestRestoreService_TwoSelfReferencingColumns(t *testing.T) {
	mem := newMemDB("model")
	mem.addFK("model", "nextModelId", "model")
	mem.addFK("model", "prevModelId", "model")
	catalog := &fakeCatalog{mem: mem, schemas: map[string]*models.TableSchema{
		"model": intSchema("model", "nextModelId", "prevModelId"),
	}}
	fetcher := &fakeFetcher{fks: []models.ForeignKey{
		fk("model", "nextModelId", "model"),
		fk("model", "prevModelId", "model"),
	}}

	dir := t.TempDir()
	rows := []models.Row{
		{"id": 1, "nextModelId": 2, "prevModelId": nil},
		{"id": 2, "nextModelId": nil, "prevModelId": 1},
	}
	if err := WriteDump(filepath.Join(dir, "model_dump.json"), rows); err != nil {
		t.Fatal(err)
	}

	svc := newTestRestore(mem, catalog, fetcher, dir, RestoreOptions{
		OrderSource: config.OrderSourceComputed,
		Mode:        models.LoadModeReplace,
		Verify:      true,
		Curated:     &config.OrderFile{InsertOrder: []string{"model"}},
	})
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Plan.SelfReferences) != 2 {
		t.Errorf("self references = %v", report.Plan.SelfReferences)
	}
	md, _ := report.Result("model")
	if md.Inserted != 2 || md.Updated != 2 || md.Lost != 0 || !md.Verified {
		t.Errorf("model result %+v", md)
	}
	if got := mem.get("model", 1)["nextModelId"]; keyOf(got) != "2" {
		t.Errorf("model 1 nextModelId = %v", got)
	}
	if got := mem.get("model", 2)["prevModelId"]; keyOf(got) != "1" {
		t.Errorf("model 2 prevModelId = %v", got)
	}
}

func TestRestoreService_CancelledBetweenTables(t *testing.T) {
	mem, catalog, fetcher, dir := abcFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := newTestRestore(mem, catalog, fetcher, dir, RestoreOptions{
		OrderSource: config.OrderSourceComputed,
		Mode:        models.LoadModeReplace,
		Curated:     &config.OrderFile{InsertOrder: []string{"A", "B", "C"}},
	})
	report, err := svc.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.State != StateFailed {
		t.Errorf("state = %s", report.State)
	}
	if mem.fkChecks != true {
		t.Error("foreign key checks must be re-enabled")
	}
}

func TestRestoreOptionsFromConfig(t *testing.T) {
	cfg := &config.AppConfig{}
	cfg.Database.Name = "cms"
	cfg.Restore.Mode = "UPSERT"
	cfg.Restore.OrderSource = config.OrderSourceCurated
	cfg.Restore.StrictOrder = true

	opts, err := RestoreOptionsFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Mode != models.LoadModeUpsert || opts.Schema != "cms" || !opts.Strict || opts.Curated == nil {
		t.Errorf("unexpected options %+v", opts)
	}

	cfg.Restore.Mode = "truncate"
	if _, err := RestoreOptionsFromConfig(cfg, nil); err == nil {
		t.Error("expected error for unknown mode")
	}
	cfg.Restore.Mode = "replace"
	cfg.Restore.OrderSource = "random"
	if _, err := RestoreOptionsFromConfig(cfg, nil); err == nil {
		t.Error("expected error for unknown order source")
	}
}
