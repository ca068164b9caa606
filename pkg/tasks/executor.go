package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/galdor/go-raftgroup/pkg/raft"
)

type ExecutorCfg struct {
	Logger   raft.Logger
	Registry *Registry

	// Maximum duration of a task. Default: 1 minute.
	TaskTimeout time.Duration
}

// Executor runs scheduled tasks once they are due, one at a time, on a
// dedicated goroutine.
type Executor struct {
	Cfg ExecutorCfg
	Log raft.Logger

	registry *Registry

	mu      sync.Mutex
	pending []Task
	known   map[string]struct{}

	wakeChan chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewExecutor(cfg ExecutorCfg) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("missing registry")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = time.Minute
	}

	e := Executor{
		Cfg: cfg,
		Log: cfg.Logger,

		registry: cfg.Registry,

		known: make(map[string]struct{}),

		wakeChan: make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}

	return &e, nil
}

func (e *Executor) Start() {
	e.wg.Add(1)
	go e.main()
}

func (e *Executor) Stop() {
	close(e.stopChan)
	e.wg.Wait()
}

// Schedule adds a task to the queue. Tasks whose id was already scheduled
// are ignored.
func (e *Executor) Schedule(task Task) error {
	if err := e.registry.Check(task.Type); err != nil {
		return err
	}

	e.mu.Lock()

	if _, found := e.known[task.Id]; found {
		e.mu.Unlock()
		return nil
	}

	e.known[task.Id] = struct{}{}

	e.pending = append(e.pending, task)
	sort.SliceStable(e.pending, func(i, j int) bool {
		return e.pending[i].DueAt.Before(e.pending[j].DueAt)
	})

	e.mu.Unlock()

	e.Log.Debug(1, "scheduled task %v", task)

	select {
	case e.wakeChan <- struct{}{}:
	default:
	}

	return nil
}

func (e *Executor) Pending() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	tasks := make([]Task, len(e.pending))
	copy(tasks, e.pending)

	return tasks
}

func (e *Executor) main() {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-e.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		task, delay, found := e.next()

		if found && delay <= 0 {
			e.run(ctx, task)
			continue
		}

		var timer *time.Timer
		var timerChan <-chan time.Time
		if found {
			timer = time.NewTimer(delay)
			timerChan = timer.C
		}

		select {
		case <-e.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.wakeChan:
		case <-timerChan:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// next returns the first pending task and the delay before it is due,
// removing it from the queue if it is due now.
func (e *Executor) next() (Task, time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		return Task{}, 0, false
	}

	task := e.pending[0]

	delay := time.Until(task.DueAt)
	if delay <= 0 {
		e.pending = e.pending[1:]
	}

	return task, delay, true
}

func (e *Executor) run(ctx context.Context, task Task) {
	defer func() {
		if value := recover(); value != nil {
			msg := raft.RecoverValueString(value)
			trace := raft.StackTrace(10)
			e.Log.Error("panic in task %v: %s\n%s", task, msg, trace)
		}
	}()

	handler, err := e.registry.Handler(task.Type)
	if err != nil {
		e.Log.Error("cannot execute task %v: %v", task, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.Cfg.TaskTimeout)
	defer cancel()

	start := time.Now()

	if err := handler(ctx, task.Payload); err != nil {
		e.Log.Error("task %v failed: %v", task, err)
		return
	}

	e.Log.Info("task %v executed in %v", task, time.Since(start))
}
