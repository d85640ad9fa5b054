package tsmap

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// loadCall is an in-flight or completed loaderGroup.Do call.
type loadCall[V any] struct {
	wg  sync.WaitGroup
	val V
	err error
}

// loaderGroup suppresses duplicate loads of the same key. Unlike
// ComputeIfAbsent, the load runs without any bin locked, so a loader may
// touch the cache itself.
type loaderGroup[K comparable, V any] struct {
	m Map[K, *loadCall[V]]
}

// Do runs fn once for all concurrent callers with the same key. Late
// callers wait for the first one and receive its results. A panic in fn is
// raised again in every caller.
func (g *loaderGroup[K, V]) Do(
	key K,
	fn func() (V, error),
) (V, error) {
	primary := &loadCall[V]{}
	primary.wg.Add(1)
	c, loaded := g.m.PutIfAbsent(key, primary)
	if loaded {
		c.wg.Wait()
		var e *panicError
		if errors.As(c.err, &e) {
			panic(e)
		} else if errors.Is(c.err, errGoexit) {
			runtime.Goexit()
		}
		return c.val, c.err
	}

	g.doCall(c, key, fn)
	return c.val, c.err
}

// doCall runs fn, recording a panic or runtime.Goexit as the call's error
// so waiters can tell them apart from a normal return.
func (g *loaderGroup[K, V]) doCall(
	c *loadCall[V],
	key K,
	fn func() (V, error),
) {
	normalReturn := false
	recovered := false

	defer func() {
		if !normalReturn && !recovered {
			c.err = errGoexit
		}
		g.m.RemoveIfMatches(key, c)
		c.wg.Done()

		var e *panicError
		if errors.As(c.err, &e) {
			panic(e)
		}
	}()

	func() {
		defer func() {
			if !normalReturn {
				if r := recover(); r != nil {
					c.err = newPanicError(r)
				}
			}
		}()

		c.val, c.err = fn()
		normalReturn = true
	}()

	if !normalReturn {
		recovered = true
	}
}

// panicError is a value recovered from a panic in a loader, with the
// stack trace of the goroutine that panicked.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("%v\n\n%s", p.value, p.stack)
}

func (p *panicError) Unwrap() error {
	if err, ok := p.value.(error); ok {
		return err
	}
	return nil
}

func newPanicError(v any) error {
	stack := debug.Stack()
	// Trim first line "goroutine N [status]:" which can be misleading.
	if line := bytes.IndexByte(stack, '\n'); line >= 0 {
		stack = stack[line+1:]
	}
	return &panicError{value: v, stack: stack}
}

var errGoexit = errors.New("runtime.Goexit was called")
