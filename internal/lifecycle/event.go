package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EventType 标识宿主触发的生命周期信号。
type EventType string

const (
	EventInstall  EventType = "install"
	EventActivate EventType = "activate"
	EventFetch    EventType = "fetch"
)

// Task 是一个显式的异步工作单元，Wait 返回其结果。
type Task struct {
	done chan struct{}
	err  error
}

// Go 在独立 goroutine 中执行 fn，fn 中的 panic 会被转换为错误。
func Go(ctx context.Context, fn func(context.Context) error) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("task panic: %v", r)
			}
		}()
		t.err = fn(ctx)
	}()
	return t
}

// Wait 阻塞直到任务结束或 ctx 取消。
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done 在任务结束后关闭。
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Event 对应一次生命周期信号。处理方通过 WaitUntil 延长事件生命周期，
// 事件只有在 Settle 返回后才算处理完成。
type Event struct {
	Type EventType

	mu      sync.Mutex
	tasks   []*Task
	settled bool
}

// NewEvent 创建指定类型的事件。
func NewEvent(typ EventType) *Event {
	return &Event{Type: typ}
}

// ErrEventSettled 表示在 Settle 之后调用了 WaitUntil。
var ErrEventSettled = errors.New("event already settled")

// WaitUntil 将 task 挂到事件上，Settle 会等待它结束。
func (e *Event) WaitUntil(task *Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled {
		return ErrEventSettled
	}
	e.tasks = append(e.tasks, task)
	return nil
}

// Settle 等待所有挂起的任务结束，并合并它们的错误。
func (e *Event) Settle(ctx context.Context) error {
	e.mu.Lock()
	e.settled = true
	tasks := append([]*Task(nil), e.tasks...)
	e.mu.Unlock()

	var errs []error
	for _, task := range tasks {
		if err := task.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
