package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/CZERTAINLY/Radar/internal/log"
	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/netscan"
	"github.com/CZERTAINLY/Radar/internal/pipeline"
	"github.com/CZERTAINLY/Radar/internal/registry"
	"github.com/CZERTAINLY/Radar/internal/scan"

	"golang.org/x/sync/errgroup"
)

// Service is a component, which encapsulates the scan functionality and executes it.
type Service struct {
	cfg      model.Config
	registry *registry.Registry
	executor *scan.Executor
	store    model.ResourceStore
	close    func() error
}

type Option func(*Service)

// WithRegistry replaces the registry of built-in scanners. The registry is
// frozen by New.
func WithRegistry(reg *registry.Registry) Option {
	return func(s *Service) { s.registry = reg }
}

// WithStore replaces the store configured in model.StoreConfig. The caller
// keeps the ownership of store.
func WithStore(store model.ResourceStore) Option {
	return func(s *Service) { s.store = store }
}

func New(ctx context.Context, cfg model.Config, opts ...Option) (*Service, error) {
	if cfg.Version != 0 {
		return nil, model.NewConfigurationError("version", "config version %d is not supported, expected 0", cfg.Version)
	}

	s := &Service{
		cfg:   cfg,
		close: func() error { return nil },
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = registry.New()
		if err := netscan.Register(s.registry, netscan.Options{}); err != nil {
			return nil, fmt.Errorf("registering built-in scanners: %w", err)
		}
	}
	s.registry.Freeze()

	if s.store == nil {
		store, closeStore, err := NewStore(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("initializing resource store: %w", err)
		}
		s.store = store
		s.close = closeStore
	}

	s.executor = scan.NewExecutor()
	return s, nil
}

func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Close stops all running jobs and releases the store.
func (s *Service) Close(ctx context.Context) error {
	return errors.Join(
		s.executor.Shutdown(ctx),
		s.close(),
	)
}

// Scan submits a single scan and returns its pipeline run together with
// the underlying job. The caller subscribes to the run streams and must
// consume them.
func (s *Service) Scan(ctx context.Context, sc model.ScanConfig) (*pipeline.Run, *scan.Job, error) {
	scanner, err := s.registry.Lookup(sc.Scanner)
	if err != nil {
		return nil, nil, err
	}

	strategy := scanner.Strategy
	if sc.Ports != "" {
		ps, ok := strategy.(netscan.PortScanner)
		if !ok {
			return nil, nil, model.NewConfigurationError("ports", "scanner %s does not accept a port list", sc.Scanner)
		}
		ports, err := netscan.ParsePorts(sc.Ports)
		if err != nil {
			return nil, nil, model.NewConfigurationError("ports", "%v", err)
		}
		strategy = ps.WithPorts(ports)
	}

	p, err := pipeline.New(s.store, scanner.Normalize, scanner.Resolve,
		pipeline.WithCommit(s.cfg.Pipeline.Commit),
		pipeline.WithWorkers(s.cfg.Pipeline.Workers),
		pipeline.WithBuffer(s.cfg.Pipeline.Buffer),
	)
	if err != nil {
		return nil, nil, err
	}

	job, err := s.executor.Submit(ctx, sc.Targets, strategy, scanner.Definition, s.cfg.ScanExecutor(sc))
	if err != nil {
		return nil, nil, err
	}
	ctx = log.Job(log.Scanner(ctx, scanner.Definition), job.ID())
	slog.DebugContext(ctx, "scan submitted", "targets", len(sc.Targets))
	return p.Run(ctx, job.Results()), job, nil
}

// Do runs all configured scans and writes the report to out.
func (s *Service) Do(ctx context.Context, out io.Writer) error {
	if len(s.cfg.Scans) == 0 {
		return model.NewConfigurationError("scans", "no scan configured")
	}
	if err := checkFormat(s.cfg.Service.Format); err != nil {
		return err
	}

	report := NewReport()
	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range s.cfg.Scans {
		g.Go(func() error {
			run, job, err := s.Scan(gctx, sc)
			if err != nil {
				return fmt.Errorf("scan %s: %w", sc.Scanner, err)
			}
			for ev := range run.Resources() {
				report.Add(sc.Scanner, ev)
			}
			<-job.Done()
			report.AddTargets(job.Targets())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return report.Write(out, s.cfg.Service.Format)
}
