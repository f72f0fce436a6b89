package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrWorkerStopped = errors.New("router worker stopped")

type call struct {
	ctx   context.Context
	fn    func(context.Context, *Router) error
	reply chan error
}

// Worker runs router calls one at a time on its own goroutine. A panic inside
// a call terminates the worker: Done is closed and Err reports the panic so an
// owner can restart it.
type Worker struct {
	router   *Router
	mailbox  chan call
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func StartWorker(r *Router, mailboxSize int) *Worker {
	if mailboxSize <= 0 {
		mailboxSize = 64
	}
	w := &Worker{
		router:  r,
		mailbox: make(chan call, mailboxSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) Router() *Router {
	return w.router
}

// Do queues fn and waits for its result. Giving up on ctx stops the wait only;
// a call already dequeued runs to completion.
func (w *Worker) Do(ctx context.Context, fn func(context.Context, *Router) error) error {
	reply := make(chan error, 1)
	select {
	case w.mailbox <- call{ctx: ctx, fn: fn, reply: reply}:
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-w.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrWorkerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case c := <-w.mailbox:
			if err := c.ctx.Err(); err != nil {
				c.reply <- err
				continue
			}
			if crashed := w.invoke(c); crashed {
				return
			}
		}
	}
}

func (w *Worker) invoke(c call) (crashed bool) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("router worker panic: %v", p)
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			c.reply <- err
			crashed = true
		}
	}()
	c.reply <- c.fn(context.WithoutCancel(c.ctx), w.router)
	return false
}
