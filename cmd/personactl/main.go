package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"personakit/internal/adapter/advisor"
	"personakit/internal/adapter/history"
	"personakit/internal/domain"
	"personakit/internal/infra/config"
	"personakit/internal/infra/logger"
	"personakit/internal/infra/tracer"
	"personakit/internal/persona"
	"personakit/internal/usecase"
	"personakit/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "advise"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "advise":
		err = runAdvise(args)
	case "select":
		err = runSelect(args)
	case "personas":
		err = runPersonas(args)
	case "history":
		err = runHistory(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'personactl --help' for usage.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`personactl - persona selection and coordination

USAGE:
    personactl [COMMAND] [FLAGS]

COMMANDS:
    advise      Select, activate and dispatch a command (default)
    select      Print the ranked shortlist without activating anything
    personas    List the built-in persona catalog
    history     Show recent activation history

FLAGS (advise, select):
    --config PATH      Config file path (default: ./config.yaml)
    --command NAME     Command name (default: analyze)
    --input TEXT       Free-form request detail
    --type TYPE        Project type (service, webapp, library, ...)
    --tags a,b,c       Detected technology tags
    --trigger NAME     Trigger (analyze, build, improve, troubleshoot,
                       test, document, explain, deploy, design)
    --category NAME    Restrict candidates to one specialist category
    --limit N          Cap the shortlist length

EXAMPLES:
    personactl advise --command review --type service --tags go,postgres
    personactl select --trigger troubleshoot --tags kubernetes
    personactl history --config prod.yaml`)
}

// workFlags binds the shared selection flags onto a flag set.
type workFlags struct {
	cfgPath  string
	command  string
	input    string
	projType string
	tags     string
	trigger  string
	category string
	limit    int
}

func bindWorkFlags(fs *flag.FlagSet) *workFlags {
	var f workFlags
	fs.StringVar(&f.cfgPath, "config", "config.yaml", "config file path")
	fs.StringVar(&f.command, "command", "analyze", "command name")
	fs.StringVar(&f.input, "input", "", "free-form request detail")
	fs.StringVar(&f.projType, "type", "", "project type")
	fs.StringVar(&f.tags, "tags", "", "comma-separated technology tags")
	fs.StringVar(&f.trigger, "trigger", "analyze", "trigger name")
	fs.StringVar(&f.category, "category", "", "restrict to one category")
	fs.IntVar(&f.limit, "limit", 0, "shortlist cap (0 = configured max)")
	return &f
}

func (f *workFlags) work() domain.WorkContext {
	var tags []string
	for _, t := range strings.Split(f.tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return domain.WorkContext{
		Command:     f.command,
		ProjectType: f.projType,
		TechTags:    tags,
		Trigger:     domain.TriggerType(f.trigger),
	}
}

func (f *workFlags) criteria() usecase.Criteria {
	return usecase.Criteria{
		Category: domain.Category(f.category),
		Limit:    f.limit,
	}
}

// engine bundles the wired components one command invocation needs.
type engine struct {
	cfg         *config.Config
	log         *slog.Logger
	bus         *eventbus.Bus
	registry    *usecase.Registry
	selector    *usecase.Selector
	coordinator *usecase.Coordinator
	janitor     *usecase.Janitor
	store       *history.Store
	cleanup     []func()
}

// close runs the registered cleanups in reverse wiring order.
func (e *engine) close() {
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
}

// buildEngine wires config, logging, tracing, the event bus, the registry
// with the built-in catalog, and the selection/coordination layer.
func buildEngine(ctx context.Context, cfgPath string) (*engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	e := &engine{cfg: cfg, log: log}
	e.cleanup = append(e.cleanup,
		func() { logCloser() },
		func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracerShutdown(shutdownCtx); err != nil {
				log.Error("tracer shutdown error", "error", err)
			}
		},
	)

	e.bus = eventbus.New(log)
	e.cleanup = append(e.cleanup, func() { e.bus.Close() })

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path, log)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("history: %w", err)
		}
		detach := store.Attach(e.bus)
		e.store = store
		e.cleanup = append(e.cleanup, detach, func() {
			if err := store.Close(); err != nil {
				log.Error("history close error", "error", err)
			}
		})
	}

	e.registry = usecase.NewRegistry(e.bus, log)
	disabled := make(map[string]bool, len(cfg.Personas.Disabled))
	for _, id := range cfg.Personas.Disabled {
		disabled[id] = true
	}
	for _, p := range persona.Catalog(advisor.Canned{}, log) {
		if err := e.registry.Register(p); err != nil {
			e.close()
			return nil, fmt.Errorf("register %s: %w", p.Spec().ID, err)
		}
		if disabled[p.Spec().ID] {
			if err := e.registry.SetEnabled(ctx, p.Spec().ID, false); err != nil {
				e.close()
				return nil, fmt.Errorf("disable %s: %w", p.Spec().ID, err)
			}
		}
	}

	e.selector = usecase.NewSelector(e.registry, usecase.SelectorOptions{
		Threshold:    cfg.Personas.SelectionThreshold,
		MaxShortlist: cfg.Personas.MaxActive,
		Timeout:      cfg.Personas.SelectionTimeout,
		CacheTTL:     cfg.Cache.TTL,
		CacheSize:    cfg.Cache.MaxEntries,
		FallbackID:   cfg.Personas.FallbackPersona,
	}, e.bus, log)

	e.coordinator = usecase.NewCoordinator(e.registry, usecase.CoordinatorOptions{
		MaxActive:     cfg.Personas.MaxActive,
		DispatchRate:  cfg.Dispatch.RatePerSecond,
		DispatchBurst: cfg.Dispatch.Burst,
		Breaker: usecase.BreakerSettings{
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
			Interval:    cfg.Breaker.Interval,
		},
	}, e.bus, log)

	var trimmer usecase.HistoryTrimmer
	if e.store != nil {
		trimmer = e.store
	}
	e.janitor = usecase.NewJanitor(e.selector, trimmer, usecase.JanitorOptions{
		CacheSweepSchedule:  cfg.Maintenance.CacheSweepSchedule,
		HistoryTrimSchedule: cfg.Maintenance.HistoryTrimSchedule,
		HistoryRetention:    cfg.History.Retention,
	}, log)
	if err := e.janitor.Start(); err != nil {
		e.close()
		return nil, fmt.Errorf("janitor: %w", err)
	}
	e.cleanup = append(e.cleanup, e.janitor.Stop)

	return e, nil
}

func runAdvise(args []string) error {
	fs := flag.NewFlagSet("advise", flag.ExitOnError)
	f := bindWorkFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := buildEngine(ctx, f.cfgPath)
	if err != nil {
		return err
	}
	defer e.close()

	work := f.work()
	selection, err := e.selector.Select(ctx, f.criteria(), work)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	if selection.Empty() {
		fmt.Println("No persona qualified for this context.")
		return nil
	}
	printSelection(selection)

	active, err := e.coordinator.Activate(ctx, selection.Candidates, work)
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	e.log.Info("personas active", "ids", active)

	responses, err := e.coordinator.Dispatch(ctx, domain.Command{
		Name:  f.command,
		Input: f.input,
	})
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	for _, r := range responses {
		fmt.Printf("\n=== %s (confidence %d, %s) ===\n", r.PersonaID, r.Confidence, r.Duration.Round(time.Millisecond))
		if !r.Success {
			fmt.Printf("failed: %s\n", r.Err)
			continue
		}
		fmt.Println(r.Output)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.coordinator.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runSelect(args []string) error {
	fs := flag.NewFlagSet("select", flag.ExitOnError)
	f := bindWorkFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := buildEngine(ctx, f.cfgPath)
	if err != nil {
		return err
	}
	defer e.close()

	selection, err := e.selector.Select(ctx, f.criteria(), f.work())
	if err != nil {
		return err
	}
	if selection.Empty() {
		fmt.Println("No persona qualified for this context.")
		return nil
	}
	printSelection(selection)
	return nil
}

func runPersonas(args []string) error {
	fs := flag.NewFlagSet("personas", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	disabled := make(map[string]bool, len(cfg.Personas.Disabled))
	for _, id := range cfg.Personas.Disabled {
		disabled[id] = true
	}

	for _, p := range persona.Catalog(advisor.Canned{}, logger.Discard()) {
		spec := p.Spec()
		state := "enabled"
		if disabled[spec.ID] {
			state = "disabled"
		}
		fmt.Printf("%-12s %-24s %-12s affinity=%-3d priority=%d  %s\n",
			spec.ID, spec.Name, spec.Category, spec.BaseAffinity, spec.Priority, state)
		if len(spec.Conflicts) > 0 {
			fmt.Printf("%-12s conflicts: %s\n", "", strings.Join(spec.Conflicts, ", "))
		}
	}
	return nil
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "config file path")
	limit := fs.Int("limit", 20, "number of events to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.History.Enabled {
		return fmt.Errorf("history is disabled in %s", *cfgPath)
	}

	store, err := history.Open(cfg.History.Path, logger.Discard())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	records, err := store.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	for _, r := range records {
		line := fmt.Sprintf("%s  %-12s %-12s", r.CreatedAt.Local().Format(time.RFC3339), r.PersonaID, r.Event)
		if r.DurationMs > 0 {
			line += fmt.Sprintf("  active %dms", r.DurationMs)
		}
		fmt.Println(line)
	}

	totals, err := store.Totals(ctx)
	if err != nil {
		return err
	}
	if len(totals) > 0 {
		fmt.Println()
		for _, t := range totals {
			fmt.Printf("%-12s activations=%-4d total_active=%s\n",
				t.PersonaID, t.Activations, (time.Duration(t.TotalActiveMs) * time.Millisecond).Round(time.Millisecond))
		}
	}
	return nil
}

func printSelection(sel *usecase.Selection) {
	for _, c := range sel.Candidates {
		fmt.Printf("%d. %-12s score=%-3d priority=%d  %s\n",
			c.Rank, c.PersonaID, c.Score, c.Priority, strings.Join(c.Reasons, "; "))
	}
	if sel.Fallback {
		fmt.Println("(fallback persona, nothing passed the threshold)")
	}
}
