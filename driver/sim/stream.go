package sim

import (
	"sync"
	"sync/atomic"

	"github.com/240db/LuxCore/driver"
)

// A stream executes queued work on a single goroutine, so work submitted to
// one stream runs in submission order.
type stream struct {
	ctx   *Context
	tasks chan func()
	wg    sync.WaitGroup

	interrupted atomic.Bool

	errMu    sync.Mutex
	firstErr error
}

func (s *stream) run() {
	for task := range s.tasks {
		task()
	}
}

// Queue a task. Interrupted streams drop new work.
func (s *stream) enqueue(task func() error) {
	if s.interrupted.Load() {
		return
	}
	s.wg.Add(1)
	s.tasks <- func() {
		defer s.wg.Done()
		if s.interrupted.Load() {
			return
		}
		if err := task(); err != nil {
			s.errMu.Lock()
			if s.firstErr == nil {
				s.firstErr = err
			}
			s.errMu.Unlock()
		}
	}
}

func (s *stream) EnqueueWriteBuffer(dst driver.DevicePtr, data []byte) error {
	// Stage the host data now; the caller may reuse its buffer as soon as
	// this returns.
	staged := make([]byte, len(data))
	copy(staged, data)

	s.enqueue(func() error {
		return s.ctx.MemcpyHtoD(dst, staged)
	})
	return nil
}

func (s *stream) Synchronize() error {
	s.wg.Wait()

	// A drained stream accepts work again.
	s.interrupted.Store(false)

	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.firstErr
	s.firstErr = nil
	return err
}

func (s *stream) Interrupt() {
	s.interrupted.Store(true)
}
