package wal

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultCheckpointInterval is how often checkpoints are created
	DefaultCheckpointInterval = 10 * time.Minute
)

// Checkpointer flushes the owner's state and then drops log segments the
// flushed state already covers.
type Checkpointer struct {
	wal      *WAL
	interval time.Duration
	flushFn  func() error
	lock     sync.Locker
	log      zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer
func NewCheckpointer(wal *WAL, flushFn func() error) *Checkpointer {
	return &Checkpointer{
		wal:      wal,
		interval: DefaultCheckpointInterval,
		flushFn:  flushFn,
		log:      zerolog.Nop(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetInterval changes the checkpoint interval. Call before Start.
func (c *Checkpointer) SetInterval(interval time.Duration) {
	c.interval = interval
}

// SetLocker sets a lock held for the whole checkpoint, so no transaction can
// commit between the flush and the checkpoint marker.
func (c *Checkpointer) SetLocker(l sync.Locker) {
	c.lock = l
}

// SetLogger sets where background checkpoint failures are reported.
func (c *Checkpointer) SetLogger(log zerolog.Logger) {
	c.log = log
}

// Start starts the background checkpointing process
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop stops the checkpointer and waits for the loop to exit.
func (c *Checkpointer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Checkpoint(); err != nil {
				c.log.Error().Err(err).Str("component", "wal").Msg("checkpoint failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint flushes, writes a checkpoint marker, and truncates older segments.
func (c *Checkpointer) Checkpoint() error {
	if c.lock != nil {
		c.lock.Lock()
		defer c.lock.Unlock()
	}

	if err := c.flushFn(); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}

	entry := Entry{
		LSN:       c.wal.NextLSN(),
		OpType:    OpCheckpoint,
		Timestamp: time.Now(),
	}
	if err := c.wal.Write(entry); err != nil {
		return fmt.Errorf("write checkpoint entry failed: %w", err)
	}
	if err := c.wal.Fsync(); err != nil {
		return fmt.Errorf("fsync checkpoint failed: %w", err)
	}

	c.wal.mu.Lock()
	defer c.wal.mu.Unlock()
	if c.wal.closed {
		return ErrLogClosed
	}
	if err := c.wal.truncateBeforeActiveNoLock(); err != nil {
		return fmt.Errorf("truncate failed: %w", err)
	}
	return nil
}
