package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"db-dump-restore/internal/config"
	"db-dump-restore/internal/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrEmptyTable = errors.New("table has no rows")
	ErrNoColumns  = errors.New("no column information")
)

// DumpService downloads table data through the remote query-execution API and
// stores one JSON file per table.
type DumpService struct {
	httpClient *http.Client
	apiURL     string
	token      string
	schema     string
	dir        string
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewDumpService(cfg config.DumpConfig, logger *zap.Logger) *DumpService {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestInterval > 0 {
		limit = rate.Every(cfg.RequestInterval)
	}
	return &DumpService{
		httpClient: &http.Client{Timeout: timeout},
		apiURL:     cfg.APIURL,
		token:      cfg.Token,
		schema:     cfg.Schema,
		dir:        cfg.Dir,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.Named("dump"),
	}
}

func (s *DumpService) Dir() string { return s.dir }

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Data struct {
		Success bool                     `json:"success"`
		Data    []map[string]interface{} `json:"data"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Execute runs one SQL statement through the API and returns its rows.
// Requests are paced by the configured interval.
func (s *DumpService) Execute(ctx context.Context, query string) ([]map[string]interface{}, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(queryRequest{Query: query})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, &DataSourceError{Op: "build api request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &DataSourceError{Op: "call dump api", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &DataSourceError{Op: "call dump api", Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}

	var out queryResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, &DataSourceError{Op: "decode api response", Err: err}
	}
	if !out.Data.Success {
		msg := "unknown error"
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return nil, &DataSourceError{Op: "dump api", Err: errors.New(msg)}
	}
	return out.Data.Data, nil
}

// ListTables returns the base tables of the source schema.
func (s *DumpService) ListTables(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT table_name FROM information_schema.tables WHERE table_schema = %s AND table_type = 'BASE TABLE'`,
		quoteLiteral(s.schema))
	rows, err := s.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(rows))
	for _, r := range rows {
		if v, ok := lookup(r, "table_name"); ok {
			tables = append(tables, fmt.Sprint(v))
		}
	}
	return tables, nil
}

// FetchColumns returns the real column names of a source table.
func (s *DumpService) FetchColumns(ctx context.Context, table string) ([]string, error) {
	query := fmt.Sprintf(`SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = %s AND TABLE_NAME = %s ORDER BY ORDINAL_POSITION`,
		quoteLiteral(s.schema), quoteLiteral(table))
	rows, err := s.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	var cols []string
	for _, r := range rows {
		if v, ok := lookup(r, "column_name"); ok && v != nil && fmt.Sprint(v) != "" {
			cols = append(cols, fmt.Sprint(v))
		}
	}
	return cols, nil
}

// DumpTable downloads every row of a table, renames keys to the real column
// case and writes <dir>/<table>_dump.json. It returns the number of rows saved.
func (s *DumpService) DumpTable(ctx context.Context, table string) (int, error) {
	log := s.logger.With(zap.String("table", table))
	log.Info("Downloading table")

	rows, err := s.Execute(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, ErrEmptyTable
	}

	cols, err := s.FetchColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, ErrNoColumns
	}

	out := filepath.Join(s.dir, table+"_dump.json")
	if err := WriteDump(out, normalizeKeys(rows, cols)); err != nil {
		return 0, fmt.Errorf("write %s: %w", out, err)
	}
	log.Info("Saved dump", zap.String("file", out), zap.Int("rows", len(rows)))
	return len(rows), nil
}

// DumpSummary reports the outcome of a full download.
type DumpSummary struct {
	Saved   map[string]int    `json:"saved"`
	Empty   []string          `json:"empty"`
	Failed  map[string]string `json:"failed"`
	Elapsed time.Duration     `json:"elapsed"`
}

// DumpAll downloads every base table. Empty tables, tables without column
// information and per-table API failures are recorded and skipped.
func (s *DumpService) DumpAll(ctx context.Context) (*DumpSummary, error) {
	start := time.Now()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}

	tables, err := s.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	s.logger.Info("Found tables", zap.String("schema", s.schema), zap.Int("count", len(tables)))

	summary := &DumpSummary{Saved: make(map[string]int), Failed: make(map[string]string)}
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}
		n, err := s.DumpTable(ctx, table)
		switch {
		case err == nil:
			summary.Saved[table] = n
		case errors.Is(err, ErrEmptyTable):
			s.logger.Warn("Empty table", zap.String("table", table))
			summary.Empty = append(summary.Empty, table)
		case errors.Is(err, ErrNoColumns):
			s.logger.Warn("Skipping table without schema info", zap.String("table", table))
			summary.Failed[table] = err.Error()
		default:
			s.logger.Error("Download failed", zap.String("table", table), zap.Error(err))
			summary.Failed[table] = err.Error()
		}
	}

	summary.Elapsed = time.Since(start)
	s.logger.Info("Download finished",
		zap.Int("saved", len(summary.Saved)),
		zap.Int("empty", len(summary.Empty)),
		zap.Int("failed", len(summary.Failed)),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

// normalizeKeys renames row keys to the matching column's case and drops keys
// that match no column.
func normalizeKeys(rows []map[string]interface{}, cols []string) []models.Row {
	byLower := make(map[string]string, len(cols))
	for _, c := range cols {
		byLower[strings.ToLower(c)] = c
	}
	out := make([]models.Row, 0, len(rows))
	for _, r := range rows {
		row := make(models.Row, len(r))
		for k, v := range r {
			if c, ok := byLower[strings.ToLower(k)]; ok {
				row[c] = v
			}
		}
		out = append(out, row)
	}
	return out
}
