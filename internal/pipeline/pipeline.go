package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/TobiSchelling/feedrelay/internal/article"
	"github.com/TobiSchelling/feedrelay/internal/collect"
	"github.com/TobiSchelling/feedrelay/internal/config"
	"github.com/TobiSchelling/feedrelay/internal/enrich"
	"github.com/TobiSchelling/feedrelay/internal/relay"
	"github.com/TobiSchelling/feedrelay/internal/snapshot"
	"github.com/TobiSchelling/feedrelay/internal/store"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full refresh.
type Result struct {
	RunID     string
	Steps     []StepResult
	Aggregate *article.AggregateResult
}

// Err returns the first step error, if any.
func (r *Result) Err() error {
	for _, s := range r.Steps {
		if s.Err != nil {
			return fmt.Errorf("%s: %w", s.Name, s.Err)
		}
	}
	return nil
}

// Recorder persists run reports.
type Recorder interface {
	InsertRunReport(generatedAt time.Time, articleCount int, failedSources []string) (string, error)
}

// Pipeline runs one refresh: collect, enrich, snapshot and record.
type Pipeline struct {
	cfg          *config.Config
	store        store.Store
	recorder     Recorder
	resolver     *relay.Resolver
	collector    *collect.Collector
	enricher     *enrich.ImageEnricher
	snapshotPath string
}

// New creates a pipeline. recorder may be nil when run reports are not kept.
func New(cfg *config.Config, st store.Store, recorder Recorder) *Pipeline {
	resolver := relay.NewResolver(cfg.RelayStrategies(), relay.Options{
		Timeout:   cfg.Fetch.Timeout,
		UserAgent: cfg.Fetch.UserAgent,
	})

	p := &Pipeline{
		cfg:          cfg,
		store:        st,
		recorder:     recorder,
		resolver:     resolver,
		collector:    collect.NewCollector(resolver, store.NewKnownGood(st)),
		snapshotPath: cfg.Snapshot.Path,
	}
	if cfg.Enrich.Images {
		p.enricher = enrich.New(enrich.Options{
			Timeout:   cfg.Enrich.Timeout,
			UserAgent: cfg.Fetch.UserAgent,
			Limit:     cfg.Enrich.Limit,
		})
	}
	return p
}

// SetSnapshotPath overrides where Run writes the snapshot. An empty path
// disables writing.
func (p *Pipeline) SetSnapshotPath(path string) {
	p.snapshotPath = path
}

// Resolver exposes the relay resolver shared by every cycle of this pipeline.
func (p *Pipeline) Resolver() *relay.Resolver {
	return p.resolver
}

// Sources returns the user's source override or the configured sources.
func (p *Pipeline) Sources() ([]article.Source, error) {
	return store.EffectiveSources(p.store, p.cfg.Sources)
}

// Run executes one refresh.
func (p *Pipeline) Run(ctx context.Context) *Result {
	r := &Result{}

	// Step 1: Collect
	step, agg := p.runCollect(ctx)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	// Step 2: Enrich
	if p.enricher != nil {
		step, agg.Articles = p.runEnrich(ctx, agg.Articles)
		r.Steps = append(r.Steps, step)
	}
	r.Aggregate = agg

	// Step 3: Snapshot
	if p.snapshotPath != "" {
		r.Steps = append(r.Steps, p.runSnapshot(agg))
	}

	// Step 4: Record
	if p.recorder != nil {
		step, r.RunID = p.runRecord(agg)
		r.Steps = append(r.Steps, step)
	}

	return r
}

// DryRun shows what would be fetched without touching the network.
func (p *Pipeline) DryRun() *Result {
	r := &Result{}

	sources, err := p.Sources()
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Collect", Err: err})
		return r
	}

	names := make([]string, len(p.resolver.Strategies()))
	for i, s := range p.resolver.Strategies() {
		names[i] = s.Name
	}
	for _, src := range sources {
		r.Steps = append(r.Steps, StepResult{
			Name:    src.Name,
			Summary: fmt.Sprintf("[dry-run] endpoints %s via %s", strings.Join(p.collector.Candidates(src), ", "), strings.Join(names, " > ")),
		})
	}

	if p.enricher != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Enrich", Summary: fmt.Sprintf("[dry-run] would fetch up to %d article pages for images", p.cfg.Enrich.Limit)})
	}
	if p.snapshotPath != "" {
		r.Steps = append(r.Steps, StepResult{Name: "Snapshot", Summary: fmt.Sprintf("[dry-run] would write %s", p.snapshotPath)})
	}
	return r
}

func (p *Pipeline) runCollect(ctx context.Context) (StepResult, *article.AggregateResult) {
	log.Println("Step 1: Collecting feeds...")
	sources, err := p.Sources()
	if err != nil {
		return StepResult{Name: "Collect", Err: err}, nil
	}
	agg := p.collector.RunCycle(ctx, sources)
	return StepResult{
		Name:    "Collect",
		Summary: fmt.Sprintf("Collected %d articles from %d sources (%d failed)", len(agg.Articles), len(sources), len(agg.FailedSources)),
	}, agg
}

func (p *Pipeline) runEnrich(ctx context.Context, articles []article.Article) (StepResult, []article.Article) {
	log.Println("Step 2: Enriching images...")
	out, res := p.enricher.Enrich(ctx, articles)
	return StepResult{
		Name:    "Enrich",
		Summary: fmt.Sprintf("Found %d images, %d failed, %d skipped", res.Enriched, res.Failed, res.Skipped),
	}, out
}

func (p *Pipeline) runSnapshot(agg *article.AggregateResult) StepResult {
	log.Println("Step 3: Writing snapshot...")
	if err := snapshot.Write(p.snapshotPath, agg); err != nil {
		return StepResult{Name: "Snapshot", Err: err}
	}
	return StepResult{
		Name:    "Snapshot",
		Summary: fmt.Sprintf("Wrote %d articles to %s", len(agg.Articles), p.snapshotPath),
	}
}

func (p *Pipeline) runRecord(agg *article.AggregateResult) (StepResult, string) {
	log.Println("Step 4: Recording run...")
	id, err := p.recorder.InsertRunReport(agg.GeneratedAt, len(agg.Articles), agg.FailedSources)
	if err != nil {
		return StepResult{Name: "Record", Err: err}, ""
	}
	return StepResult{Name: "Record", Summary: fmt.Sprintf("Run %s recorded", id)}, id
}
