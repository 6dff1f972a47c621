package ralph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"foreman/pkg/pool"
	"foreman/pkg/protocol"
	"foreman/pkg/session"
	"foreman/pkg/taskstore"

	"github.com/google/uuid"
)

// WorkerLauncher is the slice of the pool manager the executor needs.
type WorkerLauncher interface {
	Spawn(ctx context.Context, p pool.SpawnParams) (protocol.Worker, error)
	Cancel(sessionID, workerID string) error
}

// Executor drives PRD sessions: one dispatch loop per session, bounded by
// max_workers, claiming story tasks from the task store and iterating each
// story until its criteria pass or the budget runs out.
type Executor struct {
	launcher WorkerLauncher
	registry *session.Registry
	tasks    *taskstore.Registry
	runner   CommandRunner
	logger   *slog.Logger

	// agentID names the agent used for PRD workers.
	agentID string

	// pollInterval paces the dispatch loop when no task is claimable.
	pollInterval time.Duration

	mu   sync.Mutex
	runs map[string]*prdRun

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// prdRun is the executor-internal state of one PRD session. Story state is
// guarded by the executor mutex; the context cancels dispatch and in-flight
// waits.
type prdRun struct {
	prd   protocol.PRD
	state *protocol.PrdSession

	taskByStory map[string]string
	storyByTask map[string]string
	dependents  map[string][]string

	paused    bool
	cancelled bool
	active    bool
	started   time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewExecutor wires a PRD executor. runner defaults to ExecRunner.
func NewExecutor(launcher WorkerLauncher, registry *session.Registry, tasks *taskstore.Registry, runner CommandRunner, logger *slog.Logger) *Executor {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		launcher:     launcher,
		registry:     registry,
		tasks:        tasks,
		runner:       runner,
		logger:       logger,
		agentID:      "claude",
		pollInterval: 50 * time.Millisecond,
		runs:         make(map[string]*prdRun),
		nowFunc:      time.Now,
	}
}

// CreateSession validates a PRD, materializes one task per story with
// dependency edges, and starts the dispatch loop.
func (e *Executor) CreateSession(prd protocol.PRD) (protocol.PrdSession, error) {
	prd.Constraints = WithDefaults(prd.Constraints)
	res := Validate(prd)
	if !res.Valid {
		return protocol.PrdSession{}, &protocol.ValidationError{Errors: res.Errors}
	}

	sess := e.registry.CreateSession(session.CreateSessionParams{
		Prompt:  prd.Name,
		Mode:    protocol.ModeBypassPermissions,
		Type:    protocol.SessionRalph,
		AgentID: e.agentID,
		Cwd:     prd.Cwd,
	})
	_ = e.registry.SetSessionStatus(sess.ID, protocol.SessionRunning)

	store := e.tasks.ForSession(sess.ID)
	now := e.nowFunc()
	state := &protocol.PrdSession{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Name:      prd.Name,
		Status:    protocol.PrdRunning,
		Stories:   make(map[string]*protocol.StoryState, len(prd.Stories)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	run := &prdRun{
		prd:         prd,
		state:       state,
		taskByStory: make(map[string]string, len(prd.Stories)),
		storyByTask: make(map[string]string, len(prd.Stories)),
		dependents:  make(map[string][]string),
		started:     now,
	}
	run.ctx, run.cancel = context.WithCancel(context.Background())

	// Tasks are created in dependency order so creation-order tie-breaking in
	// claim follows the topological order.
	byID := storiesByID(prd.Stories)
	for _, storyID := range res.DependencyOrder {
		story := byID[storyID]
		task := store.Create(story.Title, story.Description)
		meta := map[string]string{
			"story_id": story.ID,
			"model":    res.ModelAssignments[story.ID],
		}
		if story.Complexity != "" {
			meta["complexity"] = string(story.Complexity)
		}
		if _, err := store.Update(task.ID, taskstore.UpdateParams{Metadata: meta}); err != nil {
			return protocol.PrdSession{}, err
		}
		run.taskByStory[story.ID] = task.ID
		run.storyByTask[task.ID] = story.ID
		state.Stories[story.ID] = &protocol.StoryState{
			StoryID: story.ID,
			TaskID:  task.ID,
			Status:  protocol.StoryPending,
			Model:   res.ModelAssignments[story.ID],
		}
	}
	for _, story := range prd.Stories {
		for _, dep := range story.DependsOn {
			run.dependents[dep] = append(run.dependents[dep], story.ID)
			if _, err := store.Update(run.taskByStory[story.ID], taskstore.UpdateParams{
				AddBlockedBy: []string{run.taskByStory[dep]},
			}); err != nil {
				return protocol.PrdSession{}, err
			}
		}
	}

	e.mu.Lock()
	e.runs[state.ID] = run
	run.active = true
	out := cloneState(state)
	e.mu.Unlock()

	go e.runLoop(run)
	return out, nil
}

// GetSession returns a snapshot of a PRD session.
func (e *Executor) GetSession(prdID string) (protocol.PrdSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[prdID]
	if !ok {
		return protocol.PrdSession{}, &protocol.NotFoundError{Kind: "prd_session", ID: prdID}
	}
	return cloneState(run.state), nil
}

// Sessions returns snapshots of all PRD sessions.
func (e *Executor) Sessions() []protocol.PrdSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.PrdSession, 0, len(e.runs))
	for _, run := range e.runs {
		out = append(out, cloneState(run.state))
	}
	return out
}

// Workers returns the worker records of a PRD session's underlying session.
func (e *Executor) Workers(prdID string) ([]protocol.Worker, error) {
	e.mu.Lock()
	run, ok := e.runs[prdID]
	e.mu.Unlock()
	if !ok {
		return nil, &protocol.NotFoundError{Kind: "prd_session", ID: prdID}
	}
	return e.registry.SessionWorkers(run.state.SessionID)
}

// CostBreakdown reports accumulated spend per story.
func (e *Executor) CostBreakdown(prdID string) (protocol.CostBreakdown, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[prdID]
	if !ok {
		return protocol.CostBreakdown{}, &protocol.NotFoundError{Kind: "prd_session", ID: prdID}
	}
	out := protocol.CostBreakdown{ByStory: make(map[string]float64, len(run.state.Stories))}
	for id, st := range run.state.Stories {
		out.ByStory[id] = st.CostUSD
		out.TotalUSD += st.CostUSD
	}
	return out, nil
}

// Pause stops dispatching new stories. In-flight workers run to completion.
func (e *Executor) Pause(prdID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[prdID]
	if !ok {
		return &protocol.NotFoundError{Kind: "prd_session", ID: prdID}
	}
	run.paused = true
	run.state.Status = protocol.PrdPaused
	run.state.UpdatedAt = e.nowFunc()
	return nil
}

// Resume re-enters the dispatch loop.
func (e *Executor) Resume(prdID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[prdID]
	if !ok {
		return &protocol.NotFoundError{Kind: "prd_session", ID: prdID}
	}
	run.paused = false
	run.state.Status = protocol.PrdRunning
	run.state.UpdatedAt = e.nowFunc()
	return nil
}

// Cancel terminates all in-flight workers and marks the PRD session failed.
// Already-completed stories keep their status.
func (e *Executor) Cancel(prdID string) error {
	e.mu.Lock()
	run, ok := e.runs[prdID]
	if !ok {
		e.mu.Unlock()
		return &protocol.NotFoundError{Kind: "prd_session", ID: prdID}
	}
	run.cancelled = true
	run.state.Status = protocol.PrdFailed
	run.state.UpdatedAt = e.nowFunc()
	type victim struct{ sessionID, workerID string }
	var victims []victim
	for _, st := range run.state.Stories {
		if st.Status == protocol.StoryInProgress && st.WorkerID != "" {
			victims = append(victims, victim{run.state.SessionID, st.WorkerID})
		}
	}
	e.mu.Unlock()

	run.cancel()
	for _, v := range victims {
		if err := e.launcher.Cancel(v.sessionID, v.workerID); err != nil {
			e.logger.Warn("cancel prd worker", "worker", v.workerID, "error", err)
		}
	}
	_ = e.registry.SetSessionStatus(run.state.SessionID, protocol.SessionCancelled)
	return nil
}

// RetryStory resets a failed story to pending and unblocks its dependents,
// restarting the dispatch loop if it already settled.
func (e *Executor) RetryStory(prdID, storyID string) error {
	e.mu.Lock()
	run, ok := e.runs[prdID]
	if !ok {
		e.mu.Unlock()
		return &protocol.NotFoundError{Kind: "prd_session", ID: prdID}
	}
	st, ok := run.state.Stories[storyID]
	if !ok {
		e.mu.Unlock()
		return &protocol.NotFoundError{Kind: "story", ID: storyID}
	}
	if st.Status != protocol.StoryFailed {
		e.mu.Unlock()
		return &protocol.ConflictError{
			Resource: "story " + storyID,
			Reason:   "only failed stories can be retried",
		}
	}
	st.Status = protocol.StoryPending
	st.Iteration = 0
	st.Criteria = nil
	st.WorkerID = ""
	e.unblockDependentsLocked(run, storyID)

	taskID := run.taskByStory[storyID]
	restart := !run.active
	if restart {
		run.active = true
		run.cancelled = false
		run.ctx, run.cancel = context.WithCancel(context.Background())
	}
	run.state.Status = protocol.PrdRunning
	run.state.UpdatedAt = e.nowFunc()
	e.mu.Unlock()

	pending := protocol.TaskPending
	empty := ""
	if _, err := e.tasks.ForSession(run.state.SessionID).Update(taskID, taskstore.UpdateParams{
		Status: &pending, Owner: &empty,
	}); err != nil {
		return err
	}
	_ = e.registry.SetSessionStatus(run.state.SessionID, protocol.SessionRunning)
	if restart {
		go e.runLoop(run)
	}
	return nil
}

// runLoop is the per-session dispatch loop: claim the next unblocked story
// task whenever a worker slot is free, hand it to runStory, and stop once
// every story is terminal, the run is cancelled, or the advisory timeout
// has elapsed.
func (e *Executor) runLoop(run *prdRun) {
	store := e.tasks.ForSession(run.state.SessionID)
	slots := make(chan struct{}, run.prd.Constraints.MaxWorkers)
	var wg sync.WaitGroup

	for run.ctx.Err() == nil {
		e.mu.Lock()
		paused := run.paused
		done := e.allTerminalLocked(run)
		e.mu.Unlock()
		if done || e.timedOut(run) {
			break
		}
		if paused {
			time.Sleep(e.pollInterval)
			continue
		}

		select {
		case slots <- struct{}{}:
		default:
			time.Sleep(e.pollInterval)
			continue
		}

		// Claim under a dispatch token; the owner is rewritten to the real
		// worker id on each iteration's spawn.
		task, ok, err := store.Claim("dispatch-" + uuid.NewString())
		if err != nil || !ok {
			<-slots
			time.Sleep(e.pollInterval)
			continue
		}
		storyID := run.storyByTask[task.ID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			e.runStory(run, storyID, task.ID)
		}()
	}

	wg.Wait()
	e.settle(run)
}

// runStory iterates one story: dispatch a worker, wait for its turn,
// evaluate criteria, and re-dispatch with failure feedback until the
// criteria pass or the iteration budget is exhausted.
func (e *Executor) runStory(run *prdRun, storyID, taskID string) {
	story := storiesByID(run.prd.Stories)[storyID]
	store := e.tasks.ForSession(run.state.SessionID)
	maxIter := run.prd.Constraints.MaxIterationsPerStory

	e.mu.Lock()
	st := run.state.Stories[storyID]
	startIter := st.Iteration
	model := st.Model
	e.mu.Unlock()

	feedback := ""
	for iter := startIter + 1; iter <= maxIter; iter++ {
		if run.ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		st.Status = protocol.StoryInProgress
		st.Iteration = iter
		e.mu.Unlock()
		e.publishProgress(run, storyID)

		worker, err := e.launcher.Spawn(run.ctx, pool.SpawnParams{
			SessionID: run.state.SessionID,
			Task:      buildPrompt(story, feedback),
			Model:     model,
		})
		if err != nil {
			e.logger.Warn("spawn story worker", "story", storyID, "error", err)
			feedback = fmt.Sprintf("worker spawn failed: %v", err)
			continue
		}
		e.mu.Lock()
		st.WorkerID = worker.ID
		e.mu.Unlock()
		_, _ = store.Update(taskID, taskstore.UpdateParams{Owner: &worker.ID})

		status, err := e.registry.WaitWorker(run.ctx, worker.ID)
		if err != nil {
			return // run cancelled mid-wait
		}
		if rec, err := e.registry.GetWorker(worker.ID); err == nil {
			e.mu.Lock()
			st.CostUSD += rec.CostUSD
			e.mu.Unlock()
			if status != protocol.WorkerCompleted {
				feedback = fmt.Sprintf("previous worker ended %s: %s", status, rec.ErrorMessage)
				continue
			}
		}

		results := evaluateCriteria(run.ctx, e.runner, run.prd.Cwd, story.AcceptanceCriteria)
		e.mu.Lock()
		st.Criteria = results
		e.mu.Unlock()
		if allPassed(results) {
			completed := protocol.TaskCompleted
			empty := ""
			_, _ = store.Update(taskID, taskstore.UpdateParams{Status: &completed, Owner: &empty})
			e.mu.Lock()
			st.Status = protocol.StoryCompleted
			run.state.UpdatedAt = e.nowFunc()
			e.mu.Unlock()
			e.publishProgress(run, storyID)
			return
		}
		feedback = failureSummary(results)
	}

	// Budget exhausted. The task stays in_progress (unowned) so dependents
	// remain gated until a human retries the story.
	empty := ""
	_, _ = store.Update(taskID, taskstore.UpdateParams{Owner: &empty})
	e.mu.Lock()
	st.Status = protocol.StoryFailed
	run.state.UpdatedAt = e.nowFunc()
	e.blockDependentsLocked(run, storyID)
	e.mu.Unlock()
	e.publishProgress(run, storyID)
}

// settle fixes the final PRD status once the dispatch loop exits.
func (e *Executor) settle(run *prdRun) {
	e.mu.Lock()
	if run.cancelled || run.paused {
		run.active = false
		e.mu.Unlock()
		return
	}
	// RetryStory may have reset a story to pending after the loop's last
	// terminal check; that run still has work, so dispatch again instead of
	// stranding the story.
	if !e.allTerminalLocked(run) && !e.timedOut(run) {
		e.mu.Unlock()
		go e.runLoop(run)
		return
	}
	run.active = false
	allCompleted := true
	for _, st := range run.state.Stories {
		if st.Status != protocol.StoryCompleted {
			allCompleted = false
			break
		}
	}
	if allCompleted {
		run.state.Status = protocol.PrdCompleted
	} else {
		run.state.Status = protocol.PrdFailed
	}
	run.state.UpdatedAt = e.nowFunc()
	sessionID := run.state.SessionID
	e.mu.Unlock()

	if allCompleted {
		_ = e.registry.SetSessionStatus(sessionID, protocol.SessionCompleted)
	} else {
		_ = e.registry.SetSessionStatus(sessionID, protocol.SessionFailed)
	}
}

func (e *Executor) allTerminalLocked(run *prdRun) bool {
	for _, st := range run.state.Stories {
		switch st.Status {
		case protocol.StoryCompleted, protocol.StoryFailed, protocol.StoryBlocked:
		default:
			return false
		}
	}
	return true
}

// blockDependentsLocked marks every transitive dependent of a failed story
// blocked. Caller holds e.mu.
func (e *Executor) blockDependentsLocked(run *prdRun, storyID string) {
	for _, dep := range run.dependents[storyID] {
		st := run.state.Stories[dep]
		if st.Status == protocol.StoryPending {
			st.Status = protocol.StoryBlocked
			e.blockDependentsLocked(run, dep)
		}
	}
}

// unblockDependentsLocked reverses blockDependentsLocked after a retry. The
// task store's dependency gating still holds them until the retried story
// completes. Caller holds e.mu.
func (e *Executor) unblockDependentsLocked(run *prdRun, storyID string) {
	for _, dep := range run.dependents[storyID] {
		st := run.state.Stories[dep]
		if st.Status == protocol.StoryBlocked {
			st.Status = protocol.StoryPending
			e.unblockDependentsLocked(run, dep)
		}
	}
}

func (e *Executor) timedOut(run *prdRun) bool {
	limit := run.prd.Constraints.TotalTimeoutMinutes
	if limit <= 0 {
		return false
	}
	return e.nowFunc().Sub(run.started) > time.Duration(limit)*time.Minute
}

func (e *Executor) publishProgress(run *prdRun, storyID string) {
	e.mu.Lock()
	st := run.state.Stories[storyID]
	ev := protocol.PrdProgressEvent{
		SessionID:    run.state.SessionID,
		PrdSessionID: run.state.ID,
		StoryID:      storyID,
		Status:       st.Status,
		Iteration:    st.Iteration,
	}
	e.mu.Unlock()
	e.registry.Publish(ev)
}

func buildPrompt(s protocol.Story, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement story %s: %s\n", s.ID, s.Title)
	if s.Description != "" {
		b.WriteString(s.Description + "\n")
	}
	if len(s.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range s.AcceptanceCriteria {
			switch c.Type {
			case protocol.CriterionCommand:
				fmt.Fprintf(&b, "- command exits 0: %s\n", c.Command)
			case protocol.CriterionScript:
				fmt.Fprintf(&b, "- script exits 0: %s\n", c.Script)
			case protocol.CriterionFileExists:
				fmt.Fprintf(&b, "- file exists: %s\n", c.Path)
			case protocol.CriterionFileContains:
				fmt.Fprintf(&b, "- file %s matches %s\n", c.Path, c.Pattern)
			}
		}
	}
	if len(s.Hints) > 0 {
		b.WriteString("\nHints:\n")
		for _, h := range s.Hints {
			b.WriteString("- " + h + "\n")
		}
	}
	if feedback != "" {
		b.WriteString("\nThe previous attempt did not pass:\n" + feedback + "\n")
	}
	return b.String()
}

func failureSummary(results []protocol.CriterionResult) string {
	var b strings.Builder
	for _, r := range results {
		if r.Passed {
			continue
		}
		fmt.Fprintf(&b, "criterion %s failed: %s\n", r.Criterion.Type, r.Detail)
	}
	return b.String()
}

func allPassed(results []protocol.CriterionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func storiesByID(stories []protocol.Story) map[string]protocol.Story {
	out := make(map[string]protocol.Story, len(stories))
	for _, s := range stories {
		out[s.ID] = s
	}
	return out
}

func cloneState(s *protocol.PrdSession) protocol.PrdSession {
	out := *s
	out.Stories = make(map[string]*protocol.StoryState, len(s.Stories))
	for id, st := range s.Stories {
		cp := *st
		cp.Criteria = append([]protocol.CriterionResult(nil), st.Criteria...)
		out.Stories[id] = &cp
	}
	return out
}
