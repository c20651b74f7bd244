package reputation

import (
	"log"
	"time"
)

// Sweeper periodically settles idle decay across the whole table so
// long-idle entries converge to neutral and reclaim their slots even when
// nothing reads them.
type Sweeper struct {
	table    *Table
	interval time.Duration
	stopCh   chan struct{}
	logger   *log.Logger
}

// NewSweeper creates and starts a sweeper. Interval defaults to ten
// minutes, one decay step.
func NewSweeper(table *Table, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	s := &Sweeper{
		table:    table,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.New(log.Writer(), "[REPUTATION] ", log.LstdFlags),
	}
	go s.run()
	return s
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("Started reputation decay sweeper (interval=%s)", s.interval)

	for {
		select {
		case <-ticker.C:
			now := float64(time.Now().UnixNano()) / 1e9
			settled, dropped := s.table.Sweep(now)
			if settled+dropped > 0 {
				s.logger.Printf("Sweep settled %d entries, dropped %d", settled, dropped)
			}
		case <-s.stopCh:
			s.logger.Println("Decay sweeper stopped")
			return
		}
	}
}
