// Package engine assembles the deduplication runtime: the cascade stage
// registry, the shared worker pool with its adaptive monitor, the
// performance monitor and a hot-swappable configuration, all owned by
// an explicit Engine value with a single shutdown path. Nothing here is
// a process-wide singleton; tests and embedders run as many engines
// side by side as they like.
package engine

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/allaunthefox/NoDupeLabs-sub001/archive"
	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
	"github.com/allaunthefox/NoDupeLabs-sub001/config"
	"github.com/allaunthefox/NoDupeLabs-sub001/dedup"
	"github.com/allaunthefox/NoDupeLabs-sub001/monitoring"
	"github.com/allaunthefox/NoDupeLabs-sub001/pool"
)

var log = logging.Logger("engine")

type options struct {
	sinks      []monitoring.Sink
	caps       *cascade.CapabilitySet
	algorithms []dedup.Algorithm
	sampler    pool.Sampler
}

// Option configures an Engine at construction.
type Option func(*options)

// WithSinks adds telemetry sinks to the performance monitor, in front
// of the built-in Prometheus sink.
func WithSinks(sinks ...monitoring.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithCapabilities replaces the environment capability set stages are
// matched against. The default allows network access and advertises
// zstd decompression.
func WithCapabilities(cs *cascade.CapabilitySet) Option {
	return func(o *options) { o.caps = cs }
}

// WithAlgorithms replaces the built-in hash algorithm set for both the
// registry stages and the detector.
func WithAlgorithms(algs ...dedup.Algorithm) Option {
	return func(o *options) { o.algorithms = algs }
}

// WithSampler replaces the resource sampler feeding the pool monitor.
// The default samples this process through the telemetry collector.
func WithSampler(s pool.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// Engine wires the runtime together. Construction applies the
// structural configuration: queue size, monitor cadence and alert
// thresholds are fixed for the engine's lifetime. Pool bounds, hash
// algorithm pins and the cascade toggle follow configuration updates
// live.
type Engine struct {
	mgr       *config.Manager
	reg       *cascade.Registry
	pool      *pool.Pool
	poolMon   *pool.Monitor
	perf      monitoring.PerformanceMonitor
	collector *monitoring.Collector
	det       *dedup.Detector

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New builds and starts an engine from cfg. A nil cfg means defaults.
// The context bounds construction and parents the pool's run context;
// cancelling it later stops the workers, so long-lived engines pass
// context.Background and rely on Shutdown.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	mgr, err := config.NewManager(cfg)
	if err != nil {
		return nil, err
	}
	cur := mgr.Current()

	perf := monitoring.NewPerformanceMonitor(monitoring.Config{
		Retention:        cur.Performance.MetricsRetention.Std(),
		BaselineInterval: cur.Performance.BaselineUpdateInterval.Std(),
		Thresholds: monitoring.AlertThresholds{
			Degradation:  cur.Performance.AlertThresholds.Degradation,
			FailureRate:  cur.Performance.AlertThresholds.FailureRate,
			ResponseTime: cur.Performance.AlertThresholds.ResponseTime.Std(),
		},
		Sinks: o.sinks,
	})

	caps := o.caps
	if caps == nil {
		caps = cascade.NewCapabilitySet(archive.CapabilityZstd)
	}
	reg := cascade.NewRegistry(
		cascade.WithAvailabilityTTL(cur.AvailabilityTTL.Std()),
		cascade.WithCapabilities(caps),
		cascade.WithMonitor(perf),
		cascade.WithMaxStageErrors(cur.ThreadPool.DegradationThreshold),
		cascade.WithStageTimeout(cur.Cascade.StageTimeout.Std()),
	)

	algs := o.algorithms
	if len(algs) == 0 {
		algs = dedup.BuiltinAlgorithms()
	}
	if err := dedup.RegisterAlgorithms(reg, algs...); err != nil {
		mgr.Close()
		return nil, err
	}
	if err := archive.RegisterExtractionStages(reg); err != nil {
		mgr.Close()
		return nil, err
	}

	mode, err := pool.ParseSubmitMode(cur.ThreadPool.FullQueue)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	p, err := pool.New(ctx, pool.Config{
		MinWorkers:    cur.ThreadPool.MinWorkers,
		MaxWorkers:    cur.ThreadPool.MaxWorkers,
		QueueCapacity: cur.ThreadPool.QueueSize,
		Mode:          mode,
	})
	if err != nil {
		mgr.Close()
		return nil, err
	}

	det, err := dedup.NewDetector(reg,
		dedup.WithAlgorithms(algs...),
		dedup.WithPool(p),
		dedup.WithQuickAlgorithm(cur.Hashing.QuickAlgorithm),
		dedup.WithFullAlgorithm(cur.Hashing.FullAlgorithm),
	)
	if err != nil {
		_ = p.Close(ctx)
		mgr.Close()
		return nil, err
	}
	if err := dedup.RegisterScanStages(reg, det); err != nil {
		_ = p.Close(ctx)
		mgr.Close()
		return nil, err
	}

	collector := monitoring.NewCollector(perf.GetPrometheusRegistry())
	sampler := o.sampler
	if sampler == nil {
		sampler = collector
	}
	poolMon := pool.NewMonitor(p, sampler, pool.MonitorConfig{
		Interval:       cur.ThreadPool.MonitoringInterval.Std(),
		Cooldown:       cur.ThreadPool.WorkerAdjustmentCooldown.Std(),
		OverloadCPU:    cur.ThreadPool.OverloadCPUThreshold,
		OverloadMemory: cur.ThreadPool.OverloadMemoryThreshold,
	})

	e := &Engine{
		mgr:       mgr,
		reg:       reg,
		pool:      p,
		poolMon:   poolMon,
		perf:      perf,
		collector: collector,
		det:       det,
	}

	e.wg.Add(1)
	go e.watchConfig(mgr.Subscribe())
	poolMon.Start()

	log.Infof("engine started: workers=%d-%d cascade=%v",
		cur.ThreadPool.MinWorkers, cur.ThreadPool.MaxWorkers, cur.Cascade.Enabled)
	return e, nil
}

// watchConfig applies configuration updates for as long as the manager
// lives. Only settings with a live application path are touched here.
func (e *Engine) watchConfig(ch <-chan config.ChangeEvent) {
	defer e.wg.Done()
	for ev := range ch {
		tp := ev.Config.ThreadPool
		if err := e.pool.SetBounds(tp.MinWorkers, tp.MaxWorkers); err != nil {
			log.Warnf("config from %s: pool bounds not applied: %s", ev.Source, err)
		}
		h := ev.Config.Hashing
		if err := e.det.SetAlgorithms(h.QuickAlgorithm, h.FullAlgorithm); err != nil {
			log.Warnf("config from %s: hash algorithms not applied: %s", ev.Source, err)
		}
		e.perf.ResetBaselines()
		log.Debugf("configuration from %s applied", ev.Source)
	}
}

// run executes one operation, cascading across stages when enabled and
// otherwise running only the optimal stage. Both paths report to the
// performance monitor, so baselines and alerts see every run.
func (e *Engine) run(ctx context.Context, operation string, req any) (any, error) {
	cur := e.mgr.Current()
	if cur.Cascade.Enabled {
		v, _, err := e.reg.ExecuteCascade(ctx, operation, req)
		return v, err
	}

	st, err := e.reg.SelectOptimal(ctx, operation, cascade.TierMinimal)
	if err != nil {
		return nil, err
	}
	if d := cur.Cascade.StageTimeout.Std(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	v, _, err := e.perf.Wrap(ctx, operation, st.Name(), st.Tier(), func(ctx context.Context) (any, error) {
		return st.Execute(ctx, req)
	})
	return v, err
}

// DetectDuplicates partitions the supplied candidates into groups of
// files with identical content. Enumeration is the caller's job: pass
// every file that should be considered, with sizes from the walk.
func (e *Engine) DetectDuplicates(ctx context.Context, files []dedup.File) (*dedup.Result, error) {
	v, err := e.run(ctx, dedup.OpScan, &dedup.ScanRequest{Files: files})
	if err != nil {
		return nil, err
	}
	res, ok := v.(*dedup.Result)
	if !ok {
		return nil, fmt.Errorf("engine: scan returned %T", v)
	}
	return res, nil
}

// Extract unpacks the archive at source into dest, picking the
// extraction operation from the file name.
func (e *Engine) Extract(ctx context.Context, source, dest string) (*archive.ExtractReport, error) {
	op, err := archive.DetectFormat(source)
	if err != nil {
		return nil, err
	}
	v, err := e.run(ctx, op, &archive.ExtractRequest{Source: source, Dest: dest})
	if err != nil {
		return nil, err
	}
	rep, ok := v.(*archive.ExtractReport)
	if !ok {
		return nil, fmt.Errorf("engine: extraction returned %T", v)
	}
	return rep, nil
}

// Config returns a copy of the live configuration.
func (e *Engine) Config() *config.Config {
	return e.mgr.Current()
}

// UpdateConfig validates cfg and, when valid, makes it the live
// configuration. Pool bounds, hash algorithm pins and the cascade
// toggle apply immediately; structural settings take effect on the
// next engine.
func (e *Engine) UpdateConfig(cfg *config.Config, source string) error {
	return e.mgr.Update(cfg, source)
}

// Registry exposes the stage registry for custom stage registration and
// health inspection.
func (e *Engine) Registry() *cascade.Registry {
	return e.reg
}

// Pool exposes the shared worker pool.
func (e *Engine) Pool() *pool.Pool {
	return e.pool
}

// Monitor exposes the performance monitor, including the Prometheus
// registry behind it.
func (e *Engine) Monitor() monitoring.PerformanceMonitor {
	return e.perf
}

// Collector exposes the resource collector feeding pool scaling and the
// resource gauges.
func (e *Engine) Collector() *monitoring.Collector {
	return e.collector
}

// Shutdown stops the engine: adaptive scaling and configuration
// watching first, then the worker pool, draining queued work within
// ctx. Shutdown is idempotent and later calls return the first result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.poolMon.Stop()
		e.mgr.Close()
		e.wg.Wait()
		e.closeErr = e.pool.Close(ctx)
		log.Info("engine stopped")
	})
	return e.closeErr
}
