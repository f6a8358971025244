package delivery

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// DefaultLimit is the per-message character limit of the transport.
	DefaultLimit = 2000
	// EmptyText stands in for a generation that produced no text.
	EmptyText = "∅"
)

// Target is the outgoing side of one conversation.
type Target interface {
	// Update replaces the primary reply, creating it on first use.
	Update(ctx context.Context, text string) error
	// FollowUp sends an additional message after the primary reply.
	FollowUp(ctx context.Context, text string) error
}

// Snapshots is a pull-based sequence of growing partial texts.
type Snapshots interface {
	Next() bool
	Snapshot() string
	Final() (string, error)
}

// Profile holds the pacing of progressive edits for one entry point.
type Profile struct {
	MinInterval time.Duration
	Placeholder string
}

var (
	// CommandProfile paces replies to slash commands, which are deferred
	// and need no placeholder.
	CommandProfile = Profile{MinInterval: 600 * time.Millisecond}
	// MessageProfile paces replies to prefix and mention triggers.
	MessageProfile = Profile{MinInterval: 900 * time.Millisecond, Placeholder: "⏳ …"}
)

// GenerationError reports that the snapshot source failed. Partial is the
// text accumulated before the failure.
type GenerationError struct {
	Partial string
	Err     error
}

func (e *GenerationError) Error() string { return "delivery: generation failed: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// DeliveryError reports that an outgoing operation failed.
type DeliveryError struct {
	Op  string
	Err error
}

func (e *DeliveryError) Error() string { return fmt.Sprintf("delivery: %s: %v", e.Op, e.Err) }
func (e *DeliveryError) Unwrap() error { return e.Err }

// Controller renders generation output within the transport's size limit
// while bounding how often the outgoing message is edited.
type Controller struct {
	limit int
	now   func() time.Time
}

type Option func(*Controller)

// WithLimit sets the per-message character limit.
func WithLimit(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func NewController(opts ...Option) *Controller {
	c := &Controller{limit: DefaultLimit, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limit reports the per-message character limit.
func (c *Controller) Limit() int { return c.limit }

// Stream pulls snapshots and edits the reply at most once per
// p.MinInterval, always with the newest snapshot; snapshots arriving in
// between are dropped. Once the source completes, the final text is
// delivered in full. The returned text is what was delivered.
func (c *Controller) Stream(ctx context.Context, target Target, snaps Snapshots, p Profile) (string, error) {
	if p.Placeholder != "" {
		if err := target.Update(ctx, p.Placeholder); err != nil {
			return "", &DeliveryError{Op: "placeholder", Err: err}
		}
	}

	lastEdit := c.now()
	for snaps.Next() {
		if c.now().Sub(lastEdit) < p.MinInterval {
			continue
		}
		if err := target.Update(ctx, Truncate(snaps.Snapshot(), c.limit)); err != nil {
			return "", &DeliveryError{Op: "progress update", Err: err}
		}
		lastEdit = c.now()
	}

	final, err := snaps.Final()
	if err != nil {
		return final, &GenerationError{Partial: final, Err: err}
	}
	if final == "" {
		final = EmptyText
	}
	if err := c.Deliver(ctx, target, final); err != nil {
		return final, err
	}
	return final, nil
}

// Deliver sends a complete text: the first segment replaces the reply and
// every further segment follows as its own message, in order.
func (c *Controller) Deliver(ctx context.Context, target Target, text string) error {
	if text == "" {
		text = EmptyText
	}
	chunks := Chunk(text, c.limit)
	if err := target.Update(ctx, chunks[0]); err != nil {
		return &DeliveryError{Op: "final update", Err: err}
	}
	for i, chunk := range chunks[1:] {
		if err := target.FollowUp(ctx, chunk); err != nil {
			return &DeliveryError{Op: fmt.Sprintf("follow-up %d/%d", i+2, len(chunks)), Err: err}
		}
	}
	return nil
}

// Chunk cuts text into contiguous segments of exactly limit runes; only the
// last may be shorter. Joining the segments yields text unchanged.
func Chunk(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var out []string
	for text != "" {
		cut := byteOffset(text, limit)
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}

// Truncate keeps at most limit runes of text.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	return text[:byteOffset(text, limit)]
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}
