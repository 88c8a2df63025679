// Package mock provides test doubles for the robot hardware interfaces.
//
// Driver, Speech and Animations record every call and return injected errors,
// so facade sequencing, expression dispatch and motion output can be asserted
// without hardware. All mocks are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/Eden-sudo/umebot/internal/robot"
)

// compile-time interface checks
var (
	_ robot.Driver           = (*Driver)(nil)
	_ robot.SpeechService    = (*Speech)(nil)
	_ robot.AnimationService = (*Animations)(nil)
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the interface method name.
	Method string

	// Args holds the non-context arguments, in order.
	Args []any
}

// ─────────────────────────────────────────────────────────────────────────────
// Driver mock
// ─────────────────────────────────────────────────────────────────────────────

// Driver is a mock implementation of [robot.Driver].
type Driver struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every method. Use it to simulate a
	// hardware fault.
	Err error

	// ErrOn, if non-empty, limits Err to methods whose name is in the set.
	ErrOn map[string]bool

	calls []Call
}

func (d *Driver) invoke(method string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Method: method, Args: args})
	if d.Err == nil {
		return nil
	}
	if len(d.ErrOn) > 0 && !d.ErrOn[method] {
		return nil
	}
	return d.Err
}

// Calls returns a copy of all recorded calls in order.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (d *Driver) CallCount(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// MethodNames returns the recorded method names in call order.
func (d *Driver) MethodNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.Method
	}
	return out
}

// LastVelocities returns the arguments of the most recent Move call and
// whether one was recorded.
func (d *Driver) LastVelocities() (vx, vy, vtheta float64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.calls) - 1; i >= 0; i-- {
		if d.calls[i].Method == "Move" {
			args := d.calls[i].Args
			return args[0].(float64), args[1].(float64), args[2].(float64), true
		}
	}
	return 0, 0, 0, false
}

func (d *Driver) WakeUp(context.Context) error { return d.invoke("WakeUp") }
func (d *Driver) Rest(context.Context) error   { return d.invoke("Rest") }

func (d *Driver) SetAutonomousLife(_ context.Context, enabled bool) error {
	return d.invoke("SetAutonomousLife", enabled)
}

func (d *Driver) StopMove(context.Context) error { return d.invoke("StopMove") }

func (d *Driver) GoToPosture(_ context.Context, posture string, speed float64) error {
	return d.invoke("GoToPosture", posture, speed)
}

func (d *Driver) SetCollisionProtection(_ context.Context, enabled bool) error {
	return d.invoke("SetCollisionProtection", enabled)
}

func (d *Driver) Move(_ context.Context, vx, vy, vtheta float64) error {
	return d.invoke("Move", vx, vy, vtheta)
}

func (d *Driver) StopAll(context.Context) error { return d.invoke("StopAll") }

// ─────────────────────────────────────────────────────────────────────────────
// Speech mock
// ─────────────────────────────────────────────────────────────────────────────

// Speech is a mock implementation of [robot.SpeechService].
type Speech struct {
	mu sync.Mutex

	// SayErr, if non-nil, is returned by AnimatedSay.
	SayErr error

	// SayFunc, when non-nil, runs instead of the default behaviour after the
	// call is recorded. Use it to block until released or to assert ctx.
	SayFunc func(ctx context.Context, annotated string) error

	// StopErr, if non-nil, is returned by StopSpeech.
	StopErr error

	// SayCalls records every text passed to AnimatedSay.
	SayCalls []string

	// StopCallCount is the number of StopSpeech invocations.
	StopCallCount int
}

// AnimatedSay records the call and returns SayErr, or delegates to SayFunc.
func (s *Speech) AnimatedSay(ctx context.Context, annotated string) error {
	s.mu.Lock()
	s.SayCalls = append(s.SayCalls, annotated)
	fn := s.SayFunc
	err := s.SayErr
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, annotated)
	}
	return err
}

// StopSpeech records the call and returns StopErr.
func (s *Speech) StopSpeech(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCallCount++
	return s.StopErr
}

// Said returns a copy of all texts spoken so far.
func (s *Speech) Said() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SayCalls))
	copy(out, s.SayCalls)
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Animations mock
// ─────────────────────────────────────────────────────────────────────────────

// Animations is a mock implementation of [robot.AnimationService].
type Animations struct {
	mu sync.Mutex

	// TagErr, if non-nil, is returned by RunTag.
	TagErr error

	// PlayErr, if non-nil, is returned by PlayAnimation.
	PlayErr error

	// Tags records every tag passed to RunTag.
	Tags []string

	// Played records every path passed to PlayAnimation.
	Played []string
}

// RunTag records the call and returns TagErr.
func (a *Animations) RunTag(_ context.Context, tag string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Tags = append(a.Tags, tag)
	return a.TagErr
}

// PlayAnimation records the call and returns PlayErr.
func (a *Animations) PlayAnimation(_ context.Context, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Played = append(a.Played, path)
	return a.PlayErr
}

// PlayedPaths returns a copy of all animation paths played so far.
func (a *Animations) PlayedPaths() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.Played))
	copy(out, a.Played)
	return out
}
