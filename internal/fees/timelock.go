package fees

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrChangePending   = errors.New("a change is already pending for this field")
	ErrNoPendingChange = errors.New("no pending change for this field")
	ErrTimelockActive  = errors.New("timelock has not matured")
)

// DefaultTimelock is the dwell time between queueing a protocol fee
// configuration change and the earliest moment it can execute.
const DefaultTimelock = 7 * 24 * time.Hour

// ProtocolConfig is the process-wide protocol fee configuration shared
// by every operator: the current calculator and recipient, plus at most
// one pending change per field. A queued change never auto-applies; it
// becomes observable only when explicitly executed after its timelock
// matures. Constructed once and injected into operators by reference.
type ProtocolConfig struct {
	mu       sync.RWMutex
	timelock time.Duration
	now      func() time.Time

	calculator Calculator
	recipient  common.Address

	pendingCalc      *pendingCalculator
	pendingRecipient *pendingRecipient
}

type pendingCalculator struct {
	calculator   Calculator
	executeAfter time.Time
}

type pendingRecipient struct {
	recipient    common.Address
	executeAfter time.Time
}

// NewProtocolConfig creates the shared configuration with its initial
// calculator (may be nil, meaning 0 bps) and recipient.
func NewProtocolConfig(calculator Calculator, recipient common.Address) *ProtocolConfig {
	return &ProtocolConfig{
		timelock:   DefaultTimelock,
		now:        time.Now,
		calculator: calculator,
		recipient:  recipient,
	}
}

// WithTimelock overrides the timelock duration.
func (c *ProtocolConfig) WithTimelock(d time.Duration) *ProtocolConfig {
	c.timelock = d
	return c
}

// WithClock overrides the clock, for tests.
func (c *ProtocolConfig) WithClock(now func() time.Time) *ProtocolConfig {
	c.now = now
	return c
}

// Calculator returns the currently effective protocol calculator.
func (c *ProtocolConfig) Calculator() Calculator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calculator
}

// Recipient returns the currently registered protocol fee recipient.
func (c *ProtocolConfig) Recipient() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recipient
}

// QueueCalculator stages a calculator change behind the timelock.
func (c *ProtocolConfig) QueueCalculator(calc Calculator) (executeAfter time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingCalc != nil {
		return time.Time{}, ErrChangePending
	}
	after := c.now().Add(c.timelock)
	c.pendingCalc = &pendingCalculator{calculator: calc, executeAfter: after}
	return after, nil
}

// ExecuteCalculator applies a matured pending calculator change.
func (c *ProtocolConfig) ExecuteCalculator() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingCalc == nil {
		return ErrNoPendingChange
	}
	if c.now().Before(c.pendingCalc.executeAfter) {
		return ErrTimelockActive
	}
	c.calculator = c.pendingCalc.calculator
	c.pendingCalc = nil
	return nil
}

// CancelCalculator discards a pending calculator change.
func (c *ProtocolConfig) CancelCalculator() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingCalc == nil {
		return ErrNoPendingChange
	}
	c.pendingCalc = nil
	return nil
}

// QueueRecipient stages a recipient change behind the timelock.
func (c *ProtocolConfig) QueueRecipient(recipient common.Address) (executeAfter time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingRecipient != nil {
		return time.Time{}, ErrChangePending
	}
	after := c.now().Add(c.timelock)
	c.pendingRecipient = &pendingRecipient{recipient: recipient, executeAfter: after}
	return after, nil
}

// ExecuteRecipient applies a matured pending recipient change.
func (c *ProtocolConfig) ExecuteRecipient() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingRecipient == nil {
		return ErrNoPendingChange
	}
	if c.now().Before(c.pendingRecipient.executeAfter) {
		return ErrTimelockActive
	}
	c.recipient = c.pendingRecipient.recipient
	c.pendingRecipient = nil
	return nil
}

// CancelRecipient discards a pending recipient change.
func (c *ProtocolConfig) CancelRecipient() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingRecipient == nil {
		return ErrNoPendingChange
	}
	c.pendingRecipient = nil
	return nil
}

// PendingView describes a queued change for read APIs.
type PendingView struct {
	Field        string    `json:"field"` // "calculator" or "recipient"
	ExecuteAfter time.Time `json:"executeAfter"`
}

// Pending lists the currently queued changes.
func (c *ProtocolConfig) Pending() []PendingView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []PendingView
	if c.pendingCalc != nil {
		out = append(out, PendingView{Field: "calculator", ExecuteAfter: c.pendingCalc.executeAfter})
	}
	if c.pendingRecipient != nil {
		out = append(out, PendingView{Field: "recipient", ExecuteAfter: c.pendingRecipient.executeAfter})
	}
	return out
}
