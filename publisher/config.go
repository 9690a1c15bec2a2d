package publisher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/next-trace/scg-event-bus/connection"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

const (
	DefaultRestartCooldown = 10 * time.Second
	DefaultResendDelay     = time.Second
	DefaultMaxAttempts     = 5
	DefaultMaxInflight     = 64
)

// OverflowPolicy decides what happens when Publish meets a full mailbox.
type OverflowPolicy int

const (
	// DropNewest rejects the incoming envelope with ErrMailboxFull.
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the oldest queued envelope to make room.
	DropOldest
	// Block waits for room up to Config.EnqueueTimeout (or the caller's context).
	Block
)

func (o OverflowPolicy) String() string {
	switch o {
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("overflow(%d)", int(o))
	}
}

// ParseOverflowPolicy accepts the String forms; "" means DropNewest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropNewest, fmt.Errorf("overflow policy %q: %w", s, berr.ErrInvalidConfig)
	}
}

// Config configures a Publisher.
type Config struct {
	ClientSettings  connection.ClientSettings
	Subject         string
	MailboxCapacity int

	Overflow       OverflowPolicy
	EnqueueTimeout time.Duration
	// MaxAttempts caps publish tries per envelope before it is dead-lettered.
	MaxAttempts int
	// ResendDelay is the wait before a failed envelope is resubmitted.
	ResendDelay time.Duration
	// RestartCooldown is slept by a restarted worker before it reconnects.
	RestartCooldown time.Duration
	// MaxInflight bounds concurrent outstanding publishes.
	MaxInflight int
}

func (c Config) withDefaults() (Config, error) {
	var errs []error

	if strings.TrimSpace(c.Subject) == "" {
		errs = append(errs, errors.New("subject is required"))
	}

	if c.MailboxCapacity <= 0 {
		errs = append(errs, fmt.Errorf("mailbox capacity must be positive, got %d", c.MailboxCapacity))
	}

	if c.Overflow < DropNewest || c.Overflow > Block {
		errs = append(errs, fmt.Errorf("unknown overflow policy %d", int(c.Overflow)))
	}

	if len(errs) > 0 {
		return c, fmt.Errorf("publisher config: %w", errors.Join(append([]error{berr.ErrInvalidConfig}, errs...)...))
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.ResendDelay <= 0 {
		c.ResendDelay = DefaultResendDelay
	}

	if c.RestartCooldown <= 0 {
		c.RestartCooldown = DefaultRestartCooldown
	}

	if c.MaxInflight <= 0 {
		c.MaxInflight = DefaultMaxInflight
	}

	return c, nil
}
