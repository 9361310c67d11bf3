// Package runtime owns the lifecycle of background goroutines: the config
// watcher, the periodic pool-status logger, anything that must stop cleanly
// on shutdown.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// Task is a snapshot of one background task.
type Task struct {
	Name      string
	StartTime time.Time
	Status    TaskStatus
	Err       error
	cancel    context.CancelFunc
}

// TaskFunc is a function that runs as a background task
type TaskFunc func(ctx context.Context) error

// TaskManager manages background tasks and their lifecycle
type TaskManager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTaskManager creates a new task manager
func NewTaskManager(ctx context.Context) *TaskManager {
	ctx, cancel := context.WithCancel(ctx)
	return &TaskManager{
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches fn as a named background task. Task names are unique.
func (tm *TaskManager) Start(name string, fn TaskFunc) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.tasks[name]; exists {
		return fmt.Errorf("task %s already exists", name)
	}

	taskCtx, taskCancel := context.WithCancel(tm.ctx)
	task := &Task{
		Name:      name,
		StartTime: time.Now(),
		Status:    TaskStatusRunning,
		cancel:    taskCancel,
	}
	tm.tasks[name] = task

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"task": name, "panic": r}).Error("Task panicked")
				tm.setResult(task, TaskStatusFailed, fmt.Errorf("panic: %v", r))
			}
		}()

		log.WithField("task", name).Info("Task started")
		err := fn(taskCtx)

		switch {
		case err == nil:
			tm.setResult(task, TaskStatusStopped, nil)
			log.WithField("task", name).Info("Task stopped")
		case taskCtx.Err() == context.Canceled:
			tm.setResult(task, TaskStatusCanceled, nil)
		default:
			tm.setResult(task, TaskStatusFailed, err)
			log.WithFields(log.Fields{"task": name, "error": err}).Error("Task failed")
		}
	}()

	return nil
}

// StartPeriodic runs fn immediately and then at every interval tick until the
// manager stops. Individual run failures are logged, never fatal.
func (tm *TaskManager) StartPeriodic(name string, interval time.Duration, fn TaskFunc) error {
	return tm.Start(name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if err := fn(ctx); err != nil {
			log.WithFields(log.Fields{"task": name, "error": err}).Warn("Periodic task execution failed")
		}
		for {
			select {
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					log.WithFields(log.Fields{"task": name, "error": err}).Warn("Periodic task execution failed")
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// Stop cancels one running task.
func (tm *TaskManager) Stop(name string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, exists := tm.tasks[name]
	if !exists {
		return fmt.Errorf("task %s not found", name)
	}
	if task.Status != TaskStatusRunning {
		return fmt.Errorf("task %s is not running", name)
	}
	task.cancel()
	return nil
}

// StopAll cancels every task.
func (tm *TaskManager) StopAll() {
	tm.cancel()
}

// Wait blocks until all tasks have returned.
func (tm *TaskManager) Wait() {
	tm.wg.Wait()
}

// GetTask returns a copy of one task's state.
func (tm *TaskManager) GetTask(name string) (Task, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	task, exists := tm.tasks[name]
	if !exists {
		return Task{}, fmt.Errorf("task %s not found", name)
	}
	return Task{
		Name:      task.Name,
		StartTime: task.StartTime,
		Status:    task.Status,
		Err:       task.Err,
	}, nil
}

// ListTasks returns a snapshot of all tasks.
func (tm *TaskManager) ListTasks() []Task {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tasks := make([]Task, 0, len(tm.tasks))
	for _, task := range tm.tasks {
		tasks = append(tasks, Task{
			Name:      task.Name,
			StartTime: task.StartTime,
			Status:    task.Status,
			Err:       task.Err,
		})
	}
	return tasks
}

func (tm *TaskManager) setResult(task *Task, status TaskStatus, err error) {
	tm.mu.Lock()
	task.Status = status
	task.Err = err
	tm.mu.Unlock()
}
