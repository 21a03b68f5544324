// Package tasks turns chat messages into tracked units of work and
// serializes them per channel-session key. One task at a time holds a
// key's slot, RUNNING or PAUSED; the rest wait in FIFO order. Distinct
// keys proceed in parallel.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moonbotlabs/moonbot/internal/events"
	"github.com/moonbotlabs/moonbot/internal/observability"
	"github.com/moonbotlabs/moonbot/internal/sessions"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

var (
	// ErrNotFound is returned for an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrNotRunning is returned when the orchestrator is not accepting work.
	ErrNotRunning = errors.New("orchestrator not running")
)

// Pipeline plans and executes one task against its session. The returned
// string is the final reply delivered to the requesting surface.
type Pipeline interface {
	Run(ctx context.Context, task *models.Task, session *models.Session) (string, error)
}

// Observer receives a task snapshot when it reaches a terminal state.
// The gateway registers one to fan chat.response notifications out to
// connected surfaces.
type Observer interface {
	TaskFinished(task *models.Task)
}

// Options configures the orchestrator.
type Options struct {
	Pipeline Pipeline
	Sessions *sessions.Store
	// Bus carries approval and invocation events used to pause and resume
	// tasks, and receives task transition events.
	Bus     *events.Bus
	AgentID string
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Orchestrator owns the task registry and the per-key FIFO queues.
type Orchestrator struct {
	pipeline Pipeline
	sessions *sessions.Store
	bus      *events.Bus
	agentID  string
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu         sync.Mutex
	running    bool
	tasks      map[string]*models.Task
	queues     map[string][]*models.Task
	processing map[string]bool
	bySession  map[string][]string // session id -> every task that ran on it
	active     map[string]string   // session id -> the RUNNING or PAUSED task
	cancels    map[string]context.CancelFunc
	observers  []Observer
	queued     int

	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup // queue drain goroutines
	watchDone chan struct{}

	now func() time.Time
}

// NewOrchestrator builds an orchestrator. Call Start before CreateTask.
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	agentID := opts.AgentID
	if agentID == "" {
		agentID = "moonbot"
	}
	return &Orchestrator{
		pipeline:   opts.Pipeline,
		sessions:   opts.Sessions,
		bus:        opts.Bus,
		agentID:    agentID,
		logger:     logger,
		metrics:    opts.Metrics,
		tasks:      make(map[string]*models.Task),
		queues:     make(map[string][]*models.Task),
		processing: make(map[string]bool),
		bySession:  make(map[string][]string),
		active:     make(map[string]string),
		cancels:    make(map[string]context.CancelFunc),
		now:        time.Now,
	}
}

// Start accepts work and begins watching approval and invocation events so
// tasks pause while an invocation they own awaits approval.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	o.running = true
	o.runCtx, o.cancel = context.WithCancel(ctx)
	o.watchDone = make(chan struct{})

	if o.bus != nil {
		ch, cancelSub := o.bus.Subscribe(events.TopicApprovalRequested, events.TopicInvocationDone)
		go o.watch(o.runCtx, ch, cancelSub)
	} else {
		close(o.watchDone)
	}
	return nil
}

// Stop rejects new tasks, drains the queues until ctx expires, then cancels
// whatever is still in flight and waits for it to unwind.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("drain grace expired, cancelling in-flight tasks")
		o.cancel()
		<-done
	}

	o.cancel()
	<-o.watchDone
	o.logger.Info("orchestrator stopped")
	return nil
}

// RegisterObserver adds a terminal-transition listener.
func (o *Orchestrator) RegisterObserver(obs Observer) {
	if obs == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// CreateTask queues a PENDING task for the key and kicks the key's drain
// goroutine if none is running. The returned task is a snapshot.
func (o *Orchestrator) CreateTask(key models.ChannelKey, message string) (*models.Task, error) {
	now := o.now()
	task := &models.Task{
		ID:        uuid.NewString(),
		Key:       key,
		Message:   message,
		State:     models.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil, ErrNotRunning
	}
	ks := key.String()
	o.tasks[task.ID] = task
	o.queues[ks] = append(o.queues[ks], task)
	o.queued++
	o.setQueueGauge()
	if !o.processing[ks] {
		o.processing[ks] = true
		o.wg.Add(1)
		go o.drain(ks)
	}
	snapshot := cloneTask(task)
	o.mu.Unlock()

	o.logger.Info("task queued", "task", task.ID, "key", ks)
	return snapshot, nil
}

// Get returns a snapshot of the task.
func (o *Orchestrator) Get(taskID string) (*models.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(task), true
}

// ActiveBySession returns the RUNNING or PAUSED task owning the session.
func (o *Orchestrator) ActiveBySession(sessionID string) (*models.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.active[sessionID]
	if !ok {
		return nil, false
	}
	task, ok := o.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(task), true
}

// SessionTasks returns snapshots of every task that has run on the session,
// oldest first.
func (o *Orchestrator) SessionTasks(sessionID string) []*models.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := o.bySession[sessionID]
	out := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := o.tasks[id]; ok {
			out = append(out, cloneTask(task))
		}
	}
	return out
}

// QueueDepths reports the number of waiting tasks per channel-session key.
// Keys with an empty queue are omitted.
func (o *Orchestrator) QueueDepths() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	depths := make(map[string]int, len(o.queues))
	for key, queue := range o.queues {
		if len(queue) > 0 {
			depths[key] = len(queue)
		}
	}
	return depths
}

// Pause moves a RUNNING task to PAUSED. Any other state is left alone.
func (o *Orchestrator) Pause(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.State == models.TaskRunning {
		o.transitionLocked(task, models.TaskPaused)
	}
	return nil
}

// Resume moves a PAUSED task back to RUNNING. Any other state is left alone.
func (o *Orchestrator) Resume(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.State == models.TaskPaused {
		o.transitionLocked(task, models.TaskRunning)
	}
	return nil
}

// Abort moves the task to ABORTED and best-effort cancels its invocations
// by cancelling the pipeline context. Terminal tasks are left alone.
func (o *Orchestrator) Abort(taskID string) error {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return ErrNotFound
	}
	if task.State.IsTerminal() {
		o.mu.Unlock()
		return nil
	}

	// A queued task just leaves the queue.
	ks := task.Key.String()
	queue := o.queues[ks]
	for i, queued := range queue {
		if queued.ID == task.ID {
			o.queues[ks] = append(queue[:i], queue[i+1:]...)
			o.queued--
			o.setQueueGauge()
			break
		}
	}

	cancel := o.cancels[task.ID]
	o.transitionLocked(task, models.TaskAborted)
	snapshot, observers := o.finishLocked(task)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.notify(snapshot, observers)
	return nil
}

// drain pops tasks for one key until the queue is empty, then clears the
// processing flag. At most one drain goroutine exists per key.
func (o *Orchestrator) drain(key string) {
	defer o.wg.Done()
	for {
		task := o.nextTask(key)
		if task == nil {
			return
		}
		o.runTask(task)
	}
}

func (o *Orchestrator) nextTask(key string) *models.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	queue := o.queues[key]
	if len(queue) == 0 {
		o.processing[key] = false
		delete(o.queues, key)
		return nil
	}
	task := queue[0]
	o.queues[key] = queue[1:]
	o.queued--
	o.setQueueGauge()
	return task
}

// runTask drives one task through the pipeline and records the terminal
// transition. Aborts that land mid-flight win: the task is already
// terminal when the pipeline returns and its outcome is discarded.
func (o *Orchestrator) runTask(task *models.Task) {
	session, err := o.sessions.GetOrCreate(o.runCtx, task.Key, o.agentID)
	if err != nil {
		o.fail(task, &models.TaskError{Code: "INTERNAL", Message: "session unavailable: " + err.Error()})
		return
	}

	taskCtx, cancel := context.WithCancel(o.runCtx)
	defer cancel()

	o.mu.Lock()
	if task.State.IsTerminal() {
		o.mu.Unlock()
		return
	}
	task.SessionID = session.ID
	o.bySession[session.ID] = append(o.bySession[session.ID], task.ID)
	o.active[session.ID] = task.ID
	o.cancels[task.ID] = cancel
	o.transitionLocked(task, models.TaskRunning)
	o.mu.Unlock()

	result, runErr := o.pipeline.Run(taskCtx, task, session)

	o.mu.Lock()
	if task.State.IsTerminal() {
		// Aborted while running; Abort already notified.
		o.cleanupLocked(task)
		o.mu.Unlock()
		return
	}
	switch {
	case runErr == nil:
		task.Result = result
		o.transitionLocked(task, models.TaskDone)
	case errors.Is(runErr, context.Canceled):
		o.transitionLocked(task, models.TaskAborted)
	default:
		var taskErr *models.TaskError
		if !errors.As(runErr, &taskErr) {
			taskErr = &models.TaskError{Code: "INTERNAL", Message: runErr.Error()}
		}
		task.Error = taskErr
		o.transitionLocked(task, models.TaskFailed)
	}
	snapshot, observers := o.finishLocked(task)
	o.mu.Unlock()

	o.notify(snapshot, observers)
}

func (o *Orchestrator) fail(task *models.Task, taskErr *models.TaskError) {
	o.mu.Lock()
	if task.State.IsTerminal() {
		o.mu.Unlock()
		return
	}
	task.Error = taskErr
	o.transitionLocked(task, models.TaskFailed)
	snapshot, observers := o.finishLocked(task)
	o.mu.Unlock()
	o.notify(snapshot, observers)
}

// transitionLocked applies a state change, stamps it, and announces it.
func (o *Orchestrator) transitionLocked(task *models.Task, to models.TaskState) {
	from := task.State
	task.State = to
	task.UpdatedAt = o.now()

	if o.bus != nil {
		o.bus.Publish(events.TopicTaskTransition, events.TaskTransition{
			TaskID: task.ID,
			Key:    task.Key.String(),
			From:   string(from),
			To:     string(to),
		})
	}
	if to.IsTerminal() && o.metrics != nil {
		o.metrics.Tasks.WithLabelValues(string(to)).Inc()
	}
	o.logger.Info("task transition", "task", task.ID, "from", from, "to", to)
}

// finishLocked releases the task's per-session slot and returns the
// snapshot plus the observer list for fan-out outside the lock.
func (o *Orchestrator) finishLocked(task *models.Task) (*models.Task, []Observer) {
	o.cleanupLocked(task)
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	return cloneTask(task), observers
}

func (o *Orchestrator) cleanupLocked(task *models.Task) {
	delete(o.cancels, task.ID)
	if task.SessionID != "" && o.active[task.SessionID] == task.ID {
		delete(o.active, task.SessionID)
	}
}

func (o *Orchestrator) notify(task *models.Task, observers []Observer) {
	for _, obs := range observers {
		obs.TaskFinished(cloneTask(task))
	}
}

// watch pauses the session's active task while one of its invocations
// awaits approval and resumes it when the invocation finishes.
func (o *Orchestrator) watch(ctx context.Context, ch <-chan events.Event, cancelSub func()) {
	defer close(o.watchDone)
	defer cancelSub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch payload := evt.Payload.(type) {
			case events.ApprovalRequested:
				o.pauseSession(payload.SessionID)
			case events.InvocationDone:
				o.resumeSession(payload.SessionID)
			}
		}
	}
}

func (o *Orchestrator) pauseSession(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.active[sessionID]
	if !ok {
		return
	}
	if task := o.tasks[id]; task != nil && task.State == models.TaskRunning {
		o.transitionLocked(task, models.TaskPaused)
	}
}

func (o *Orchestrator) resumeSession(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.active[sessionID]
	if !ok {
		return
	}
	if task := o.tasks[id]; task != nil && task.State == models.TaskPaused {
		o.transitionLocked(task, models.TaskRunning)
	}
}

func (o *Orchestrator) setQueueGauge() {
	if o.metrics != nil {
		o.metrics.QueueDepth.Set(float64(o.queued))
	}
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}
