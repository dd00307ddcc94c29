package app

import (
	"database/sql"

	"db-dump-restore/internal/config"
	"db-dump-restore/internal/services"

	"go.uber.org/zap"
)

type Application struct {
	Config         *config.AppConfig
	DB             *sql.DB
	Logger         *zap.Logger
	Order          *config.OrderFile
	SchemaService  *services.SchemaService
	DumpService    *services.DumpService
	RestoreService *services.RestoreService
	Scheduler      *services.Scheduler
}

// NewApplication wires the services around an open database. The curated
// order file is read from cfg.Restore.OrderFile.
func NewApplication(cfg *config.AppConfig, db *sql.DB, logger *zap.Logger) (*Application, error) {
	order, err := config.LoadOrderFile(cfg.Restore.OrderFile)
	if err != nil {
		return nil, err
	}
	opts, err := services.RestoreOptionsFromConfig(cfg, order)
	if err != nil {
		return nil, err
	}

	app := &Application{
		Config: cfg,
		DB:     db,
		Logger: logger,
		Order:  order,
	}

	app.SchemaService = services.NewSchemaService(db, logger)
	app.DumpService = services.NewDumpService(cfg.Dump, logger)
	app.RestoreService = services.NewRestoreService(
		app.SchemaService,
		app.SchemaService,
		services.DBSessions{DB: db},
		services.NewDumpReader(cfg.Restore.Dir, cfg.Dump.Location()),
		services.NewBulkWriter(cfg.Restore.BatchSize, logger),
		opts,
		logger,
	)
	app.Scheduler = services.NewScheduler(
		app.DumpService,
		app.RestoreService,
		cfg.Schedule.Cron,
		cfg.Schedule.Download,
		logger,
	)

	return app, nil
}

func (app *Application) Close() {
	if app.Scheduler != nil && app.Scheduler.IsRunning() {
		_ = app.Scheduler.Stop()
	}
	if app.DB != nil {
		app.DB.Close()
	}
	_ = app.Logger.Sync()
}
