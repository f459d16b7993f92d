// Package timing turns message lengths into human-plausible reading and
// typing delays.
package timing

import (
	"time"
	"unicode/utf8"

	"agora/internal/domain"
)

type Config struct {
	ReadingBase        time.Duration
	ReadingCharsPerSec float64
	MaxReading         time.Duration
	TypingCharsPerSec  float64
	MinTyping          time.Duration
	MaxTyping          time.Duration
	// DefaultReplyChars sizes the typing estimate before the reply exists.
	DefaultReplyChars int
}

func (c Config) withDefaults() Config {
	if c.ReadingBase < 0 {
		c.ReadingBase = 0
	}
	if c.ReadingCharsPerSec <= 0 {
		c.ReadingCharsPerSec = 40
	}
	if c.MaxReading <= 0 {
		c.MaxReading = 6 * time.Second
	}
	if c.TypingCharsPerSec <= 0 {
		c.TypingCharsPerSec = 12
	}
	if c.MinTyping < 0 {
		c.MinTyping = 0
	}
	if c.MaxTyping <= 0 {
		c.MaxTyping = 12 * time.Second
	}
	if c.MinTyping > c.MaxTyping {
		c.MinTyping = c.MaxTyping
	}
	if c.DefaultReplyChars <= 0 {
		c.DefaultReplyChars = 120
	}
	return c
}

type Calculator struct {
	cfg Config
}

func New(cfg Config) *Calculator {
	return &Calculator{cfg: cfg.withDefaults()}
}

// ReadingDelay grows with the total batch length and is capped at MaxReading.
func (c *Calculator) ReadingDelay(batch []domain.BufferedMessage) time.Duration {
	chars := 0
	for _, m := range batch {
		chars += utf8.RuneCountInString(m.Content)
	}
	d := c.cfg.ReadingBase + perChar(chars, c.cfg.ReadingCharsPerSec)
	if d > c.cfg.MaxReading {
		d = c.cfg.MaxReading
	}
	return d
}

// TypingDuration is the time a person would need to type text, clamped
// to [MinTyping, MaxTyping].
func (c *Calculator) TypingDuration(text string) time.Duration {
	return c.typing(utf8.RuneCountInString(text))
}

// EstimatedTyping is the typing duration for a reply of default length.
func (c *Calculator) EstimatedTyping() time.Duration {
	return c.typing(c.cfg.DefaultReplyChars)
}

// Plan fills the reply's computed delays.
func (c *Calculator) Plan(reply *domain.GeneratedReply, batch []domain.BufferedMessage) {
	reply.ComputedReadingDelayMs = c.ReadingDelay(batch).Milliseconds()
	reply.ComputedTypingMs = c.TypingDuration(reply.Text).Milliseconds()
}

func (c *Calculator) typing(chars int) time.Duration {
	d := perChar(chars, c.cfg.TypingCharsPerSec)
	if d < c.cfg.MinTyping {
		d = c.cfg.MinTyping
	}
	if d > c.cfg.MaxTyping {
		d = c.cfg.MaxTyping
	}
	return d
}

func perChar(chars int, perSecond float64) time.Duration {
	return time.Duration(float64(chars) / perSecond * float64(time.Second))
}
