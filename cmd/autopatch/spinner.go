package main

import (
	"fmt"
	"sync"
	"time"
)

// spinner prints an animated status line while waiting on the daemon.
type spinner struct {
	frames []string
	delay  time.Duration
	stop   chan struct{}
	msg    string
	mu     sync.Mutex
}

func newSpinner(msg string) *spinner {
	return &spinner{
		frames: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		delay:  80 * time.Millisecond,
		stop:   make(chan struct{}),
		msg:    msg,
	}
}

func (s *spinner) Start() {
	go func() {
		i := 0
		for {
			select {
			case <-s.stop:
				return
			default:
				s.mu.Lock()
				fmt.Printf("\r\033[K%s %s", s.frames[i%len(s.frames)], s.msg)
				s.mu.Unlock()
				i++
				time.Sleep(s.delay)
			}
		}
	}()
}

func (s *spinner) StopWithSymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stop:
		return
	default:
		close(s.stop)
	}
	fmt.Printf("\r\033[K%s %s\n", symbol, s.msg)
}

func (s *spinner) UpdateMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msg = msg
}
