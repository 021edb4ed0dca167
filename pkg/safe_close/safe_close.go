package safe_close

import "sync"

// SafeClose tracks the goroutines of a service so that it can be shut
// down as a whole. Any goroutine may request the shutdown, with an
// optional error, by calling SendCloseSignal. CloseWait must not be
// called from an attached goroutine.
type SafeClose struct {
	mu          sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	err         error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{closeSignal: make(chan struct{})}
}

// Attach runs f in a new goroutine. f must return soon after closeSignal
// is closed. If s is already closing, f is not run.
func (s *SafeClose) Attach(f func(closeSignal <-chan struct{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f(s.closeSignal)
	}()
}

// SendCloseSignal starts the shutdown. Only the err of the first call
// is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing() {
		return
	}
	s.err = err
	close(s.closeSignal)
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// CloseWait starts the shutdown and waits for all attached goroutines.
// It can be called multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
}

// Err returns the error the shutdown was started with.
func (s *SafeClose) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SafeClose) closing() bool {
	select {
	case <-s.closeSignal:
		return true
	default:
		return false
	}
}
