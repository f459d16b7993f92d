// Package buffer accumulates inbound group messages and signals a
// flush once a group has been quiet for the debounce window or its
// batch reaches the configured size.
package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agora/internal/clock"
	"agora/internal/domain"
)

// Journal mirrors buffered messages to durable storage.
type Journal interface {
	AppendBuffered(ctx context.Context, msg domain.BufferedMessage) error
	DeleteBuffered(ctx context.Context, ids []string) error
	ListBuffered(ctx context.Context) ([]domain.BufferedMessage, error)
}

// FlushFunc is called outside the buffer lock with a token unique to
// the flush signal.
type FlushFunc func(groupID string, token string)

type Config struct {
	Debounce time.Duration
	MaxBatch int
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 2500 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 20
	}
	return c
}

type Buffer struct {
	cfg     Config
	clock   clock.Clock
	journal Journal
	onFlush FlushFunc
	logger  *slog.Logger

	mu     sync.Mutex
	groups map[string]*groupBuffer
	// armSeq numbers timer arms across all groups and never repeats, so
	// a callback from a drained group's timer cannot match its successor.
	armSeq uint64
}

type groupBuffer struct {
	messages []domain.BufferedMessage
	timer    *clock.Timer
	// armed is the seq of the live timer, 0 when none.
	armed uint64
}

// New builds a Buffer. journal may be nil for a purely in-memory buffer.
func New(cfg Config, clk clock.Clock, journal Journal, onFlush FlushFunc, logger *slog.Logger) *Buffer {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		journal: journal,
		onFlush: onFlush,
		logger:  logger,
		groups:  make(map[string]*groupBuffer),
	}
}

// Append adds msg to its group's buffer and returns the pending count.
// Each append restarts the group's debounce window; reaching MaxBatch
// signals a flush immediately.
func (b *Buffer) Append(ctx context.Context, msg domain.BufferedMessage) (int, error) {
	if msg.GroupID == "" {
		return 0, fmt.Errorf("append buffered message: group id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ArrivedAt.IsZero() {
		msg.ArrivedAt = b.clock.Now().UTC()
	}

	b.mu.Lock()
	if b.journal != nil {
		if err := b.journal.AppendBuffered(ctx, msg); err != nil {
			b.mu.Unlock()
			return 0, fmt.Errorf("journal buffered message: %w", err)
		}
	}
	gb := b.groupLocked(msg.GroupID)
	gb.messages = append(gb.messages, msg)
	pending := len(gb.messages)
	flushNow := pending >= b.cfg.MaxBatch
	if flushNow {
		b.disarmLocked(gb)
	} else {
		b.armLocked(msg.GroupID, gb)
	}
	b.mu.Unlock()

	if flushNow {
		b.signal(msg.GroupID, "max_batch")
	}
	return pending, nil
}

// Drain atomically removes and returns the group's pending messages in
// arrival order. A second Drain without intervening appends returns nil.
func (b *Buffer) Drain(ctx context.Context, groupID string) ([]domain.BufferedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	gb, ok := b.groups[groupID]
	if !ok || len(gb.messages) == 0 {
		return nil, nil
	}
	batch := gb.messages
	if b.journal != nil {
		ids := make([]string, 0, len(batch))
		for _, m := range batch {
			ids = append(ids, m.ID)
		}
		if err := b.journal.DeleteBuffered(ctx, ids); err != nil {
			return nil, fmt.Errorf("clear journalled batch: %w", err)
		}
	}
	gb.messages = nil
	b.disarmLocked(gb)
	delete(b.groups, groupID)
	return batch, nil
}

func (b *Buffer) Pending(groupID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gb, ok := b.groups[groupID]; ok {
		return len(gb.messages)
	}
	return 0
}

// Recover reloads journalled messages and re-arms debounce timers so a
// restart delays pending flushes rather than dropping them.
func (b *Buffer) Recover(ctx context.Context) (int, error) {
	if b.journal == nil {
		return 0, nil
	}
	pending, err := b.journal.ListBuffered(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover buffered messages: %w", err)
	}

	var full []string
	b.mu.Lock()
	for _, msg := range pending {
		gb := b.groupLocked(msg.GroupID)
		gb.messages = append(gb.messages, msg)
	}
	for groupID, gb := range b.groups {
		if len(gb.messages) >= b.cfg.MaxBatch {
			b.disarmLocked(gb)
			full = append(full, groupID)
			continue
		}
		b.armLocked(groupID, gb)
	}
	b.mu.Unlock()

	for _, groupID := range full {
		b.signal(groupID, "max_batch")
	}
	if len(pending) > 0 {
		b.logger.Info("recovered buffered messages", "messages", len(pending), "groups", len(b.groupIDs()))
	}
	return len(pending), nil
}

func (b *Buffer) groupIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.groups))
	for id := range b.groups {
		ids = append(ids, id)
	}
	return ids
}

func (b *Buffer) groupLocked(groupID string) *groupBuffer {
	gb, ok := b.groups[groupID]
	if !ok {
		gb = &groupBuffer{}
		b.groups[groupID] = gb
	}
	return gb
}

// armLocked replaces any pending timer; callbacks from replaced timers
// carry a stale seq and do nothing.
func (b *Buffer) armLocked(groupID string, gb *groupBuffer) {
	if gb.timer != nil {
		gb.timer.Stop()
	}
	b.armSeq++
	seq := b.armSeq
	gb.armed = seq
	gb.timer = b.clock.AfterFunc(b.cfg.Debounce, func() {
		b.fire(groupID, seq)
	})
}

func (b *Buffer) disarmLocked(gb *groupBuffer) {
	if gb.timer != nil {
		gb.timer.Stop()
		gb.timer = nil
	}
	gb.armed = 0
}

func (b *Buffer) fire(groupID string, seq uint64) {
	b.mu.Lock()
	gb, ok := b.groups[groupID]
	if !ok || gb.armed != seq || len(gb.messages) == 0 {
		b.mu.Unlock()
		return
	}
	gb.timer = nil
	gb.armed = 0
	b.mu.Unlock()

	b.signal(groupID, "debounce")
}

func (b *Buffer) signal(groupID string, reason string) {
	token := uuid.NewString()
	b.logger.Debug("buffer flush signalled", "group_id", groupID, "reason", reason, "token", token)
	if b.onFlush != nil {
		b.onFlush(groupID, token)
	}
}
