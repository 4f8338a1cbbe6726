package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/formsync/internal/api"
	"git.home.luguber.info/inful/formsync/internal/config"
	fserrors "git.home.luguber.info/inful/formsync/internal/errors"
	"git.home.luguber.info/inful/formsync/internal/events"
	"git.home.luguber.info/inful/formsync/internal/export"
	"git.home.luguber.info/inful/formsync/internal/form"
	"git.home.luguber.info/inful/formsync/internal/metrics"
	"git.home.luguber.info/inful/formsync/internal/sheets"
	"git.home.luguber.info/inful/formsync/internal/store"
	"git.home.luguber.info/inful/formsync/internal/syncer"
)

var version = "dev"

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" help:"Run the data API server with live sheet sync"`

	Export struct {
		Form   string `short:"f" required:"" help:"Form ID to export"`
		Format string `help:"Export format (csv, csvzip, geojson)" default:"csv"`
		Output string `short:"o" help:"Output file, '-' for stdout" default:"-"`
	} `cmd:"" help:"Export a form's submissions to a file"`

	Sync struct {
		Binding string `short:"b" help:"Sync only this binding (default: all)"`
	} `cmd:"" help:"Run the configured sheet syncs once"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`
}

func main() {
	kctx := kong.Parse(&CLI)

	cfg, logger, err := loadConfig()
	if err != nil && kctx.Command() != "init" {
		fserrors.NewCLIErrorAdapter(CLI.Verbose, slog.Default()).HandleError(err)
	}
	if logger != nil {
		slog.SetDefault(logger)
	}
	errAdapter := fserrors.NewCLIErrorAdapter(CLI.Verbose, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch kctx.Command() {
	case "serve":
		err = runServe(ctx, cfg, logger)
	case "export":
		err = runExport(ctx, cfg, logger)
	case "sync":
		err = runSync(ctx, cfg, logger)
	case "init":
		err = runInit(CLI.Config, CLI.Init.Force)
	default:
		err = fserrors.ValidationError("unknown command " + kctx.Command())
	}
	if err != nil {
		errAdapter.HandleError(err)
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, nil, err
	}
	if CLI.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, config.NewLogger(cfg.Logging), nil
}

func exportOptions(cfg config.ExportConfig) export.Options {
	opts := export.DefaultOptions()
	if cfg.NARep != "" {
		opts.NARep = cfg.NARep
	}
	if cfg.GroupDelimiter != "" {
		opts.GroupDelimiter = cfg.GroupDelimiter
	}
	if cfg.SplitSelectMultiples != nil {
		opts.SplitSelectMultiples = *cfg.SplitSelectMultiples
	}
	opts.RemoveGroupName = cfg.RemoveGroupName
	opts.BinarySelectMultiples = cfg.BinarySelectMultiples
	opts.IncludeLabels = cfg.IncludeLabels
	opts.IncludeLabelsOnly = cfg.IncludeLabelsOnly
	return opts
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := form.NewRegistry(cfg.Forms.Dir)
	if err != nil {
		return err
	}
	if cfg.Forms.Watch {
		if err := registry.Watch(ctx); err != nil {
			return err
		}
		defer registry.Stop()
	}

	promRegistry := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(promRegistry)
	opts := exportOptions(cfg.Export)

	var publisher events.Publisher = events.NoopPublisher{}
	var bus *events.NATSBus
	if cfg.Events.Enabled {
		bus, err = events.NewNATSBus(cfg.Events, logger)
		if err != nil {
			return err
		}
		defer bus.Close()
		publisher = bus
	}

	if len(cfg.Sheets.Bindings) > 0 {
		client, err := sheets.NewClient(cfg.Sheets, logger)
		if err != nil {
			return err
		}
		builder := sheets.NewExportBuilder(client, logger)
		sync, err := syncer.New(cfg.Sheets, opts, st, registry, builder, recorder, logger)
		if err != nil {
			return err
		}
		if err := sync.Start(ctx); err != nil {
			return err
		}
		defer sync.Stop()

		if bus != nil {
			stopConsume, err := bus.Subscribe(ctx, "formsync-syncer", sync.HandleEvent)
			if err != nil {
				return err
			}
			defer stopConsume()
		}
	}

	handlers := api.NewHandlers(st, registry, recorder, publisher, opts, version, logger)
	server := api.NewServer(cfg.Server, handlers, promRegistry, logger)
	return server.Start(ctx)
}

func runExport(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := form.NewRegistry(cfg.Forms.Dir)
	if err != nil {
		return err
	}
	def := registry.Get(CLI.Export.Form)
	if def == nil {
		return fserrors.NotFound("form " + CLI.Export.Form)
	}

	subs, err := st.List(ctx, CLI.Export.Form, store.ListOptions{})
	if err != nil {
		return err
	}
	records := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		records = append(records, sub.Record())
	}

	out := os.Stdout
	if CLI.Export.Output != "-" {
		out, err = os.Create(CLI.Export.Output)
		if err != nil {
			return fserrors.WrapError(err, fserrors.CategoryExport, "creating output file")
		}
		defer out.Close()
	}

	opts := exportOptions(cfg.Export)
	switch CLI.Export.Format {
	case "csv":
		err = export.WriteCSV(out, def, records, opts)
	case "csvzip":
		err = export.WriteCSVZip(out, def, records, opts)
	case "geojson":
		err = export.WriteGeoJSON(out, def, records)
	default:
		err = fserrors.ValidationError("unsupported export format " + CLI.Export.Format)
	}
	if err != nil {
		return err
	}

	logger.Info("export complete",
		slog.String("form", CLI.Export.Form),
		slog.String("format", CLI.Export.Format),
		slog.Int("records", len(records)))
	return nil
}

func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if len(cfg.Sheets.Bindings) == 0 {
		return fserrors.New(fserrors.CategoryConfig, fserrors.SeverityError, "no sheet bindings configured")
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := form.NewRegistry(cfg.Forms.Dir)
	if err != nil {
		return err
	}
	client, err := sheets.NewClient(cfg.Sheets, logger)
	if err != nil {
		return err
	}
	builder := sheets.NewExportBuilder(client, logger)
	sync, err := syncer.New(cfg.Sheets, exportOptions(cfg.Export), st, registry, builder, metrics.NoopRecorder{}, logger)
	if err != nil {
		return err
	}

	if CLI.Sync.Binding != "" {
		if err := sync.SyncBinding(ctx, CLI.Sync.Binding); err != nil {
			return err
		}
	} else {
		sync.SyncAll(ctx)
	}

	for name, id := range sync.SpreadsheetIDs() {
		if id != "" {
			fmt.Printf("%s: %s\n", name, sheets.SpreadsheetURL(id))
		}
	}
	return nil
}

const starterConfig = `server:
  addr: ":8090"
  # admin_token: "${FORMSYNC_ADMIN_TOKEN}"

store:
  path: formsync.db

forms:
  dir: ./forms
  watch: true

export:
  na_rep: n/a
  group_delimiter: /

sheets:
  # access_token: "${SHEETS_ACCESS_TOKEN}"
  rate_per_sec: 1
  sync_interval: 15m
  bindings: []
  #  - name: households
  #    form_id: household_survey
  #    append: false

events:
  enabled: false
  url: nats://localhost:4222

logging:
  level: info
  format: text
`

func runInit(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fserrors.New(fserrors.CategoryConfig, fserrors.SeverityError,
			path+" already exists (use --force to overwrite)")
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return fserrors.WrapError(err, fserrors.CategoryConfig, "writing configuration file")
	}
	fmt.Println("wrote", path)
	return nil
}
