package trigger

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

type cronChecker interface {
	IsValid(expr string) bool
	IsDue(expr string, ref ...time.Time) (bool, error)
}

// Cron is satisfied during every minute matched by a cron expression and
// pushes once per matching minute, observed on Tick.
type Cron struct {
	Active

	expr  string
	gron  cronChecker
	now   func() time.Time
	fired time.Time
}

// NewCron validates expr. A nil now uses time.Now.
func NewCron(expr string, now func() time.Time) (*Cron, error) {
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	if now == nil {
		now = time.Now
	}
	return &Cron{expr: expr, gron: gron, now: now}, nil
}

// Expr returns the cron expression.
func (c *Cron) Expr() string {
	return c.expr
}

// ConditionsMet implements Trigger.
func (c *Cron) ConditionsMet() bool {
	// five-field expressions are only due at second zero
	due, err := c.gron.IsDue(c.expr, c.now().Truncate(time.Minute))
	return err == nil && due
}

// Tick implements Ticker.
func (c *Cron) Tick() {
	minute := c.now().Truncate(time.Minute)
	if minute.Equal(c.fired) {
		return
	}
	if !c.ConditionsMet() {
		return
	}
	c.fired = minute
	c.Fire()
}
