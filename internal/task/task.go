// Package task provides lifecycle management for the goroutines a driver spawns:
// transport receive loops, interval jobs, and delayed one-shot event injections.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/oceanlab/go-instrument/internal/pool"
	"github.com/oceanlab/go-instrument/logger"
)

// Func represents a function that performs a task within a goroutine managed by the Manager.
// It should return true to continue running the task, or false to stop the goroutine.
type Func func() bool

// RecvFunc represents a function that performs a receive task within a goroutine managed by the Manager.
// The readBuf argument is a scratch buffer reused across invocations.
// It should return true to continue running the task, or false to stop the goroutine.
type RecvFunc func(readBuf []byte) bool

// CancelFunc represents a function that will be called when a goroutine managed by the Manager
// exits or is canceled. It can be used to perform cleanup actions or release resources.
type CancelFunc func()

// Manager manages the lifecycle of goroutines (tasks) within an instrument driver.
// It provides a structured way to start, stop, and wait for goroutines, ensuring proper
// cancellation and resource cleanup.
//
// The Manager uses a context.Context to manage the lifecycle of the goroutines. When the
// context is canceled, all running goroutines are signaled to stop. The Manager also uses
// a sync.WaitGroup to wait for all goroutines to terminate before returning from Wait().
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32

	tickers *xsync.MapOf[string, *time.Ticker]

	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a new Manager with the given context as the parent context and logger.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{
		pctx:    ctx,
		logger:  l,
		tickers: xsync.NewMapOf[string, *time.Ticker](),
	}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// getContext safely returns the current context.
func (mgr *Manager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a new goroutine with the given name and task function.
//
// The taskFunc should return true to continue running, or false to stop the goroutine.
func (mgr *Manager) Start(name string, taskFunc Func) error {
	mgr.logger.Debug("start task", "name", name)

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		return err
	}

	starter.startTask(func() {
		mgr.runTaskLoop(taskFunc)
	})

	return starter.waitForStart()
}

// StartReceiver starts a new goroutine with the given name, receive function, and a cancel function.
//
// The taskFunc should return true to continue running, or false to stop the goroutine.
// It is handed a scratch buffer of bufSize bytes that is reused across invocations.
//
// The taskCancelFunc, if non-nil, will be called when the goroutine exits or is canceled.
func (mgr *Manager) StartReceiver(name string, bufSize int, taskFunc RecvFunc, taskCancelFunc CancelFunc) error {
	mgr.logger.Debug("start receiver task", "name", name, "buf_size", bufSize)

	if bufSize <= 0 {
		return fmt.Errorf("invalid receive buffer size: %d", bufSize)
	}

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		return err
	}

	starter.startTask(func() {
		if taskCancelFunc != nil {
			defer taskCancelFunc()
		}

		readBuf := make([]byte, bufSize)
		mgr.runTaskLoop(func() bool {
			return taskFunc(readBuf)
		})
	})

	return starter.waitForStart()
}

// StartInterval starts a new goroutine that executes the given task function at the specified interval.
// If runNow is true, the task function is executed immediately before starting the interval.
// The function returns a *time.Ticker that can be used to stop the interval.
func (mgr *Manager) StartInterval(name string, taskFunc Func, interval time.Duration, runNow bool) (*time.Ticker, error) {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return nil, fmt.Errorf("invalid interval: %v", interval)
	}

	ticker := time.NewTicker(interval)

	// store ticker before starting goroutine
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return nil, fmt.Errorf("interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	if runNow {
		if !mgr.callWithRecoverBool(name, taskFunc) {
			cleanup()
			mgr.logger.Debug(fmt.Sprintf("%s interval task terminated by runNow", name))
			return ticker, nil
		}
	}

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		cleanup()
		return nil, err
	}

	starter.startTask(func() {
		defer cleanup()

		for {
			ctx := mgr.getContext()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mgr.logger.Debug("execute interval func", "name", name)
				if !mgr.callWithRecoverBool(name, taskFunc) {
					return
				}
			}
		}
	})

	if err := starter.waitForStart(); err != nil {
		cleanup()
		return nil, err
	}

	return ticker, nil
}

// StartDelayed starts a new goroutine that sleeps for the given delay, then executes
// the task function exactly once.
//
// A scheduled task cannot be revoked by name; once the delay elapses the function runs
// to completion unless the manager has been stopped first. The errFunc, if non-nil, is
// invoked with the recovered value when the task function panics.
func (mgr *Manager) StartDelayed(name string, delay time.Duration, taskFunc func(), errFunc func(recovered any)) error {
	mgr.logger.Debug("start delayed task", "name", name, "delay", delay)

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		return err
	}

	starter.startTask(func() {
		timer := pool.GetTimer(delay)
		defer pool.PutTimer(timer)

		ctx := mgr.getContext()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		defer func() {
			if r := recover(); r != nil {
				mgr.logger.Error("panic in delayed task", "name", name, "panic", r)
				if errFunc != nil {
					errFunc(r)
				}
			}
		}()

		taskFunc()
	})

	return starter.waitForStart()
}

// callWithRecoverBool calls a function that returns bool with panic protection.
func (mgr *Manager) callWithRecoverBool(name string, fn func() bool) bool {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
		}
	}()

	return fn()
}

// Stop signals all running goroutines.
func (mgr *Manager) Stop() {
	// stop all tickers
	mgr.tickers.Range(func(name string, ticker *time.Ticker) bool {
		ticker.Stop()
		return true
	})

	// terminate all tasks
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// StopInterval stops the interval task with the given name.
//
// It returns an error if the task is not found.
func (mgr *Manager) StopInterval(name string) error {
	if ticker, ok := mgr.tickers.LoadAndDelete(name); ok {
		ticker.Stop()
		return nil
	}

	return fmt.Errorf("ticker %s not found", name)
}

// Wait waits for all goroutines to terminate and re-arms the manager for reuse.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	// wait all tasks be terminated
	mgr.wg.Wait()

	// recreate context with lock
	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

// taskStarter encapsulates common startup logic.
type taskStarter struct {
	mgr     *Manager
	name    string
	started chan error
}

func (mgr *Manager) newTaskStarter(name string) (*taskStarter, error) {
	ctx := mgr.getContext()

	// check if already cancelled
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("task manager already stopped")
	default:
	}

	return &taskStarter{
		mgr:     mgr,
		name:    name,
		started: make(chan error, 1),
	}, nil
}

// startTask runs the common startup sequence for all tasks.
func (s *taskStarter) startTask(taskBody func()) {
	s.mgr.taskMu.RLock()
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)

	go func() {
		defer s.mgr.wg.Done()

		// signal startup status
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.started <- fmt.Errorf("panic during startup: %v", r)
				}
			}()

			s.mgr.count.Add(1)
			s.started <- nil
		}()

		// setup cleanup
		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug(fmt.Sprintf("%s task terminated", s.name), "task_count", s.mgr.TaskCount())
		}()

		// run the actual task body
		taskBody()
	}()
}

// waitForStart waits for the task to start with timeout.
func (s *taskStarter) waitForStart() error {
	ctx := s.mgr.getContext()

	select {
	case err := <-s.started:
		if err != nil {
			s.mgr.wg.Done() // compensate for failed start
			return fmt.Errorf("failed to start %s: %w", s.name, err)
		}

		return nil

	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for %s to start", s.name)

	case <-ctx.Done():
		return fmt.Errorf("context cancelled while starting %s", s.name)
	}
}

// runTaskLoop runs a task function in a loop with context cancellation.
func (mgr *Manager) runTaskLoop(taskFunc func() bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task loop", "panic", r)
		}
	}()

	for {
		ctx := mgr.getContext()
		select {
		case <-ctx.Done():
			return
		default:
			if !taskFunc() {
				return
			}
		}
	}
}
