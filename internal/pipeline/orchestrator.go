package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"marketscope/internal/artifact"
	"marketscope/internal/call"
	"marketscope/internal/llmclient"
)

// DefaultConcurrency bounds in-flight stage calls when settings leave it unset.
const DefaultConcurrency = 4

// Settings carries the per-role wiring an orchestrator is built with.
type Settings struct {
	// Models maps roles to model names; missing roles fall back to
	// DefaultModels.
	Models map[StageRole]string
	// Retry is the default retry policy for every role.
	Retry call.RetryPolicy
	// RetryOverrides replaces Retry for specific roles.
	RetryOverrides map[StageRole]call.RetryPolicy
	// Concurrency sizes the limiter when Limiter is nil.
	Concurrency int64
	// Limiter caps in-flight backend calls. The backend quota is shared by
	// every run in the process, so callers that run pipelines concurrently
	// must build one limiter (NewLimiter) and pass it to every orchestrator.
	// Nil means a private limiter sized by Concurrency.
	Limiter *semaphore.Weighted
}

// NewLimiter builds the process-wide concurrency cap for backend calls.
func NewLimiter(concurrency int64) *semaphore.Weighted {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return semaphore.NewWeighted(concurrency)
}

func (s Settings) retryFor(role StageRole) call.RetryPolicy {
	if p, ok := s.RetryOverrides[role]; ok {
		return p
	}
	return s.Retry
}

// Options are per-run knobs.
type Options struct {
	// MaxCategories caps how many taxonomy categories fan out into the
	// segment stage. Zero means no cap.
	MaxCategories int
	// MaxSegmentsPerCategory caps how many segments per category fan out
	// into the behavioral stage. Zero means no cap.
	MaxSegmentsPerCategory int
}

// ClientFactory builds an LLM client for one model name. The orchestrator
// reuses one client per distinct model and closes all of them when the run
// ends.
type ClientFactory func(ctx context.Context, model string) (llmclient.LLMClient, error)

// Orchestrator drives the five-stage research pipeline for one run at a
// time. Construct one per run.
type Orchestrator struct {
	settings Settings
	table    map[StageRole]StageSpec
	calls    *call.Client
	factory  ClientFactory

	sem      *semaphore.Weighted
	progress *progressTracker
	aborted  atomic.Bool
}

// New builds an orchestrator, resolving all stage output schemas up front so
// a schema bug fails construction, not a run in flight.
func New(settings Settings, calls *call.Client, factory ClientFactory) (*Orchestrator, error) {
	table, err := newSpecTable(settings)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve stage schemas: %w", err)
	}
	sem := settings.Limiter
	if sem == nil {
		sem = NewLimiter(settings.Concurrency)
	}
	return &Orchestrator{
		settings: settings,
		table:    table,
		calls:    calls,
		factory:  factory,
		sem:      sem,
		progress: newProgressTracker(),
	}, nil
}

// Progress returns a point-in-time snapshot safe to call from any goroutine
// while Run is in flight.
func (o *Orchestrator) Progress() Snapshot {
	return o.progress.snapshot()
}

// Abort requests a soft stop: items already in flight finish, nothing new is
// dispatched, and the run terminates with the given reason.
func (o *Orchestrator) Abort(reason string) {
	if o.aborted.CompareAndSwap(false, true) {
		log.Printf("pipeline: abort requested: %s", reason)
		o.progress.finishRun(RunFailed, reason)
	}
}

// Run executes the pipeline for one industry and returns the frozen
// artifact. On failure the artifact holds whatever stages completed before
// the failure, still frozen, alongside a non-nil error.
func (o *Orchestrator) Run(ctx context.Context, runID, industry string, opts Options) (*artifact.Artifact, error) {
	art := artifact.New(runID, industry)
	defer art.Freeze()

	clients, closeAll, err := o.dialClients(ctx)
	if err != nil {
		o.progress.failFrom(StageTaxonomy)
		o.progress.finishRun(RunFailed, err.Error())
		return art, fmt.Errorf("pipeline: dial clients: %w", err)
	}
	defer closeAll()

	log.Printf("pipeline: run %s starting for industry %q", runID, industry)

	// Stage 1: taxonomy, a single call seeding everything downstream.
	o.progress.startStage(StageTaxonomy, 1)
	tax := &TaxonomyArchitect{LLM: clients[StageTaxonomy], Calls: o.calls, Spec: o.table[StageTaxonomy]}
	taxOut, taxRes := tax.Run(ctx, TaxonomyContext{Industry: industry})
	o.progress.itemDone(StageTaxonomy, taxRes.OK)
	if !taxRes.OK {
		return art, o.failRun(art, StageTaxonomy, itemKey{}, taxRes)
	}
	if len(taxOut.Categories) == 0 {
		res := call.Result{Kind: call.KindSchemaInvalid, Err: fmt.Errorf("taxonomy returned zero categories")}
		return art, o.failRun(art, StageTaxonomy, itemKey{}, res)
	}
	if err := art.AttachTaxonomy(taxOut); err != nil {
		return art, err
	}
	o.progress.finishStage(StageTaxonomy, StateCompleted)

	summary := rollingSummary(taxOut)
	cats := capCategories(taxOut.Categories, opts.MaxCategories)
	if aborted, err := o.checkAbort(art, StageSegment); aborted {
		return art, err
	}

	// Stage 2: one segment-specialist call per category.
	o.progress.startStage(StageSegment, len(cats))
	seg := &SegmentSpecialist{LLM: clients[StageSegment], Calls: o.calls, Spec: o.table[StageSegment]}
	segOuts := make([]artifact.CategorySegments, len(cats))
	segItems := make([]fanoutItem, len(cats))
	for i, cat := range cats {
		in := newCategoryContext(summary, cat)
		segItems[i] = fanoutItem{
			key: itemKey{Category: cat.Name},
			invoke: func(ctx context.Context) call.Result {
				out, res := seg.Run(ctx, in)
				if res.OK {
					segOuts[i] = out
				}
				return res
			},
		}
	}
	segResults, ferr := o.runFanout(ctx, StageSegment, segItems)
	if ferr != nil {
		return art, o.failRun(art, StageSegment, fatalKey(segItems, segResults), fatalResult(segResults))
	}
	kept := 0
	for i, res := range segResults {
		if res.OK {
			if err := art.AttachSegments(segOuts[i]); err != nil {
				return art, err
			}
			kept++
			continue
		}
		o.recordDrop(art, StageSegment, segItems[i].key, res)
	}
	if kept == 0 {
		return art, o.failStage(art, StageSegment, "all categories dropped")
	}
	o.progress.finishStage(StageSegment, stageOutcome(kept, len(cats)))

	// Stage 3: one behavioral-ethologist call per surviving segment.
	segTasks := flattenSegments(art.Segments, opts.MaxSegmentsPerCategory)
	if len(segTasks) == 0 {
		return art, o.failStage(art, StageBehavioral, "no segments produced")
	}
	if aborted, err := o.checkAbort(art, StageBehavioral); aborted {
		return art, err
	}

	o.progress.startStage(StageBehavioral, len(segTasks))
	beh := &BehavioralEthologist{LLM: clients[StageBehavioral], Calls: o.calls, Spec: o.table[StageBehavioral]}
	behOuts := make([]artifact.BehavioralProfile, len(segTasks))
	behItems := make([]fanoutItem, len(segTasks))
	for i, task := range segTasks {
		in := newSegmentContext(summary, task.Category, task.segment)
		behItems[i] = fanoutItem{
			key: task.itemKey,
			invoke: func(ctx context.Context) call.Result {
				out, res := beh.Run(ctx, in)
				if res.OK {
					behOuts[i] = out
				}
				return res
			},
		}
	}
	behResults, ferr := o.runFanout(ctx, StageBehavioral, behItems)
	if ferr != nil {
		return art, o.failRun(art, StageBehavioral, fatalKey(behItems, behResults), fatalResult(behResults))
	}
	profiles := make([]artifact.BehavioralProfile, 0, len(segTasks))
	for i, res := range behResults {
		if res.OK {
			if err := art.AttachBehavioral(behOuts[i]); err != nil {
				return art, err
			}
			profiles = append(profiles, behOuts[i])
			continue
		}
		o.recordDrop(art, StageBehavioral, behItems[i].key, res)
	}
	if len(profiles) == 0 {
		return art, o.failStage(art, StageBehavioral, "all segments dropped")
	}
	o.progress.finishStage(StageBehavioral, stageOutcome(len(profiles), len(segTasks)))

	if aborted, err := o.checkAbort(art, StageCompetitive); aborted {
		return art, err
	}

	// Stage 4: one competitive-strategist call per profiled segment. Each
	// call consumes its own segment's pain points only.
	o.progress.startStage(StageCompetitive, len(profiles))
	comp := &CompetitiveStrategist{LLM: clients[StageCompetitive], Calls: o.calls, Spec: o.table[StageCompetitive]}
	compOuts := make([]artifact.CompetitiveProfile, len(profiles))
	compItems := make([]fanoutItem, len(profiles))
	for i, bp := range profiles {
		in := newCompetitiveContext(summary, bp)
		compItems[i] = fanoutItem{
			key: itemKey{Category: bp.CategoryName, Segment: bp.SegmentName},
			invoke: func(ctx context.Context) call.Result {
				out, res := comp.Run(ctx, in)
				if res.OK {
					compOuts[i] = out
				}
				return res
			},
		}
	}
	compResults, ferr := o.runFanout(ctx, StageCompetitive, compItems)
	if ferr != nil {
		return art, o.failRun(art, StageCompetitive, fatalKey(compItems, compResults), fatalResult(compResults))
	}
	compKept := 0
	for i, res := range compResults {
		if res.OK {
			if err := art.AttachCompetitive(compOuts[i]); err != nil {
				return art, err
			}
			compKept++
			continue
		}
		o.recordDrop(art, StageCompetitive, compItems[i].key, res)
	}
	if compKept == 0 {
		return art, o.failStage(art, StageCompetitive, "all competitive profiles dropped")
	}
	o.progress.finishStage(StageCompetitive, stageOutcome(compKept, len(profiles)))

	if aborted, err := o.checkAbort(art, StageJury); aborted {
		return art, err
	}

	// Stage 5: the jury sees the whole artifact, once.
	o.progress.startStage(StageJury, 1)
	jury := &DecisionJury{LLM: clients[StageJury], Calls: o.calls, Spec: o.table[StageJury]}
	verdict, juryRes := jury.Run(ctx, JuryContext{Artifact: art})
	o.progress.itemDone(StageJury, juryRes.OK)
	if !juryRes.OK {
		return art, o.failRun(art, StageJury, itemKey{}, juryRes)
	}
	if err := art.AttachJury(verdict); err != nil {
		return art, err
	}
	o.progress.finishStage(StageJury, StateCompleted)

	if art.PartialCoverage() {
		o.progress.finishRun(RunCompletedPartial, "")
		log.Printf("pipeline: run %s completed with partial coverage (%d dropped)", runID, len(art.Dropped))
	} else {
		o.progress.finishRun(RunCompleted, "")
		log.Printf("pipeline: run %s completed", runID)
	}
	return art, nil
}

// dialClients builds one client per distinct model and maps roles onto them.
func (o *Orchestrator) dialClients(ctx context.Context) (map[StageRole]llmclient.LLMClient, func(), error) {
	byModel := make(map[string]llmclient.LLMClient)
	clients := make(map[StageRole]llmclient.LLMClient, len(StageOrder))
	closeAll := func() {
		for _, c := range byModel {
			if err := c.Close(); err != nil {
				log.Printf("pipeline: close client %s: %v", c.Name(), err)
			}
		}
	}
	for _, role := range StageOrder {
		model := o.table[role].Model
		if c, ok := byModel[model]; ok {
			clients[role] = c
			continue
		}
		c, err := o.factory(ctx, model)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		byModel[model] = c
		clients[role] = c
	}
	return clients, closeAll, nil
}

// checkAbort terminates the run between stages after a soft abort.
func (o *Orchestrator) checkAbort(art *artifact.Artifact, next StageRole) (bool, error) {
	if !o.aborted.Load() {
		return false, nil
	}
	o.progress.failFrom(next)
	log.Printf("pipeline: run %s stopped before %s stage", art.RunID, next)
	return true, fmt.Errorf("pipeline: run aborted before %s stage: %s", next, o.progress.snapshot().AbortReason)
}

// failRun aborts the whole run on a fatal item failure.
func (o *Orchestrator) failRun(art *artifact.Artifact, role StageRole, key itemKey, res call.Result) error {
	o.recordDrop(art, role, key, res)
	o.progress.failFrom(role)
	reason := fmt.Sprintf("%s stage failed (%s): %v", role, res.Kind, res.Err)
	o.progress.finishRun(RunFailed, reason)
	log.Printf("pipeline: run %s aborted: %s", art.RunID, reason)
	return fmt.Errorf("pipeline: %s", reason)
}

// failStage terminates the run when a stage produced zero usable items.
func (o *Orchestrator) failStage(art *artifact.Artifact, role StageRole, reason string) error {
	o.progress.failFrom(role)
	msg := fmt.Sprintf("%s stage: %s", role, reason)
	o.progress.finishRun(RunFailed, msg)
	log.Printf("pipeline: run %s failed: %s", art.RunID, msg)
	return fmt.Errorf("pipeline: %s", msg)
}

func (o *Orchestrator) recordDrop(art *artifact.Artifact, role StageRole, key itemKey, res call.Result) {
	reason := "unknown failure"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	d := artifact.DroppedItem{
		Stage:        role.String(),
		CategoryName: key.Category,
		SegmentName:  key.Segment,
		Kind:         res.Kind.String(),
		Reason:       reason,
	}
	if err := art.RecordDropped(d); err != nil {
		log.Printf("pipeline: record dropped item: %v", err)
		return
	}
	log.Printf("pipeline: dropped %s item %s/%s after %d attempts: %s",
		role, key.Category, key.Segment, res.Attempts, reason)
}

// stageOutcome maps kept-vs-total onto the stage's terminal state.
func stageOutcome(kept, total int) StageState {
	if kept == total {
		return StateCompleted
	}
	return StatePartiallyCompleted
}

// fatalResult picks the fatal item result out of a fan-out batch.
func fatalResult(results []call.Result) call.Result {
	for _, res := range results {
		if res.Kind == call.KindFatal && res.Err != nil && res.Err != ErrAborted {
			return res
		}
	}
	for _, res := range results {
		if res.Kind == call.KindFatal {
			return res
		}
	}
	return call.Result{Kind: call.KindFatal, Err: ErrAborted}
}

func fatalKey(items []fanoutItem, results []call.Result) itemKey {
	for i, res := range results {
		if res.Kind == call.KindFatal && res.Err != nil && res.Err != ErrAborted {
			return items[i].key
		}
	}
	return itemKey{}
}

type segmentTask struct {
	itemKey
	segment artifact.Segment
}

// flattenSegments lists the surviving segments in artifact order, applying
// the per-category cap.
func flattenSegments(all []artifact.CategorySegments, maxPerCategory int) []segmentTask {
	var tasks []segmentTask
	for _, cs := range all {
		segs := cs.Segments
		if maxPerCategory > 0 && len(segs) > maxPerCategory {
			segs = segs[:maxPerCategory]
		}
		for _, s := range segs {
			tasks = append(tasks, segmentTask{
				itemKey: itemKey{Category: cs.CategoryName, Segment: s.Name},
				segment: s,
			})
		}
	}
	return tasks
}

func capCategories(cats []artifact.Category, max int) []artifact.Category {
	if max > 0 && len(cats) > max {
		return cats[:max]
	}
	return cats
}

// rollingSummary condenses the taxonomy into the short run context passed to
// every downstream call, so branch prompts stay small and isolated.
func rollingSummary(t artifact.Taxonomy) string {
	names := make([]string, 0, len(t.Categories))
	for _, c := range t.Categories {
		names = append(names, c.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Industry: %s.", t.Industry)
	if t.Summary != "" {
		b.WriteString(" ")
		b.WriteString(t.Summary)
	}
	if len(names) > 0 {
		fmt.Fprintf(&b, " Categories under study: %s.", strings.Join(names, ", "))
	}
	return b.String()
}
