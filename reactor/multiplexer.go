// File: reactor/multiplexer.go
// Author: momentics <momentics@gmail.com>
//
// Multiplexer turns poller readiness and expiry deadlines into one-shot
// continuations handed to an external executor.

package reactor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
	"github.com/google/btree"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
)

// Config holds reactor tunables.
type Config struct {
	// DispatchTimeout bounds one poller wait.
	DispatchTimeout time.Duration
	// MaxEvents is the readiness batch size of one wait.
	MaxEvents int
	// Clock supplies deadlines; nil means the system clock.
	Clock api.Clock
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		DispatchTimeout: 50 * time.Millisecond,
		MaxEvents:       256,
		Clock:           api.SystemClock{},
	}
}

// Option customizes a Multiplexer.
type Option func(*Multiplexer)

// WithPoller replaces the platform poller.
func WithPoller(p Poller) Option {
	return func(m *Multiplexer) { m.poller = p }
}

// WithMetrics attaches dispatch and timeout counters.
func WithMetrics(metrics *control.Metrics) Option {
	return func(m *Multiplexer) { m.metrics = metrics }
}

// WithProbes registers the reactor.registrations probe.
func WithProbes(dp *control.DebugProbes) Option {
	return func(m *Multiplexer) { m.probes = dp }
}

type continuation struct {
	cb       api.IOCallback
	deadline time.Time
	timeout  time.Duration
}

// registration is the per-descriptor bookkeeping. key and seq locate it in
// the expiry tree and are only changed while it is out of the tree.
type registration struct {
	fd     int
	read   *continuation
	write  *continuation
	key    time.Time
	seq    uint64
	queued bool
	armed  bool
}

func (r *registration) empty() bool { return r.read == nil && r.write == nil }

func expiryLess(a, b *registration) bool {
	if a.key.Equal(b.key) {
		return a.seq < b.seq
	}
	return a.key.Before(b.key)
}

// Multiplexer is the readiness reactor. No dispatch pass runs concurrently
// with another, and no callback runs under the internal lock.
type Multiplexer struct {
	mu      sync.Mutex
	poller  Poller
	exec    api.Executor
	clock   api.Clock
	timeout time.Duration
	events  []Readiness

	regs   map[int]*registration
	expiry *btree.BTreeG[*registration]
	seq    uint64

	active  int
	closed  bool
	running atomic.Bool

	metrics *control.Metrics
	probes  *control.DebugProbes
}

var _ api.Reactor = (*Multiplexer)(nil)

// New creates a Multiplexer that submits its work to exec.
func New(exec api.Executor, cfg Config, opts ...Option) (*Multiplexer, error) {
	if exec == nil {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "reactor: nil executor")
	}
	def := DefaultConfig()
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	m := &Multiplexer{
		exec:    exec,
		clock:   cfg.Clock,
		timeout: cfg.DispatchTimeout,
		events:  make([]Readiness, cfg.MaxEvents),
		regs:    make(map[int]*registration),
		expiry:  btree.NewG(16, expiryLess),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.poller == nil {
		p, err := NewPoller()
		if err != nil {
			return nil, err
		}
		m.poller = p
	}
	if m.probes != nil {
		m.probes.RegisterProbe("reactor.registrations", func() any { return m.Pending() })
	}
	return m, nil
}

// Now returns the reactor clock's time.
func (m *Multiplexer) Now() time.Time {
	return m.clock.Now()
}

// WhenReadable registers cb for the next read readiness of p.
func (m *Multiplexer) WhenReadable(p api.Pollable, deadline time.Time, cb api.IOCallback) error {
	return m.when(p, deadline, cb, false)
}

// WhenWriteable registers cb for the next write readiness of p.
func (m *Multiplexer) WhenWriteable(p api.Pollable, deadline time.Time, cb api.IOCallback) error {
	return m.when(p, deadline, cb, true)
}

func (m *Multiplexer) when(p api.Pollable, deadline time.Time, cb api.IOCallback, write bool) error {
	if cb == nil {
		return api.Errorf(api.ErrCodeInvalidArgument, "reactor: nil callback")
	}
	fd := p.Fd()
	if fd < 0 {
		return api.ErrClosed
	}
	c := &continuation{cb: cb, deadline: deadline}
	if !deadline.IsZero() {
		c.timeout = deadline.Sub(m.clock.Now())
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return api.ErrClosed
	}
	reg, ok := m.regs[fd]
	if !ok {
		reg = &registration{fd: fd}
		m.regs[fd] = reg
	}
	slot := &reg.read
	if write {
		slot = &reg.write
	}
	displaced := *slot
	*slot = c
	if err := m.armLocked(reg); err != nil {
		*slot = displaced
		if reg.empty() {
			m.dropLocked(reg)
		}
		m.mu.Unlock()
		return err
	}
	m.rescheduleLocked(reg)
	m.mu.Unlock()

	if displaced != nil {
		displaced.cb(api.ErrCanceled)
	}
	return nil
}

// CancelEvents fires every pending continuation of p with status and
// unregisters p. A nil status is reported as ErrCanceled.
func (m *Multiplexer) CancelEvents(p api.Pollable, status error) {
	if status == nil {
		status = api.ErrCanceled
	}
	m.mu.Lock()
	reg, ok := m.regs[p.Fd()]
	if !ok {
		m.mu.Unlock()
		return
	}
	r, w := reg.read, reg.write
	reg.read, reg.write = nil, nil
	m.dropLocked(reg)
	m.mu.Unlock()

	if r != nil {
		r.cb(status)
	}
	if w != nil {
		w.cb(status)
	}
}

// armLocked brings the poller interest in line with the registration.
func (m *Multiplexer) armLocked(reg *registration) error {
	read, write := reg.read != nil, reg.write != nil
	if !read && !write {
		return nil
	}
	if !reg.armed {
		if err := m.poller.Add(reg.fd, read, write); err != nil {
			return err
		}
		reg.armed = true
		return nil
	}
	return m.poller.Update(reg.fd, read, write)
}

// rescheduleLocked re-keys reg in the expiry tree by its earliest deadline.
func (m *Multiplexer) rescheduleLocked(reg *registration) {
	if reg.queued {
		m.expiry.Delete(reg)
		reg.queued = false
	}
	var key time.Time
	for _, c := range []*continuation{reg.read, reg.write} {
		if c == nil || c.deadline.IsZero() {
			continue
		}
		if key.IsZero() || c.deadline.Before(key) {
			key = c.deadline
		}
	}
	if key.IsZero() {
		return
	}
	m.seq++
	reg.key, reg.seq = key, m.seq
	m.expiry.ReplaceOrInsert(reg)
	reg.queued = true
}

func (m *Multiplexer) dropLocked(reg *registration) {
	if reg.queued {
		m.expiry.Delete(reg)
		reg.queued = false
	}
	if reg.armed {
		if err := m.poller.Remove(reg.fd); err != nil {
			log.L.WithError(err).WithField("fd", reg.fd).Debug("reactor: poller remove failed")
		}
		reg.armed = false
	}
	if m.regs[reg.fd] == reg {
		delete(m.regs, reg.fd)
	}
}

// Dispatch runs one pass: wait for readiness, complete satisfied
// continuations, then sweep expired deadlines. Poller failures are returned
// without retrying.
func (m *Multiplexer) Dispatch() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return api.ErrClosed
	}
	m.mu.Unlock()

	n, err := m.poller.Wait(m.events, m.timeout)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		m.complete(m.events[i])
	}
	m.sweep()
	m.metrics.ReactorDispatch()
	return nil
}

func (m *Multiplexer) complete(ev Readiness) {
	m.mu.Lock()
	reg, ok := m.regs[ev.Fd]
	if !ok {
		m.mu.Unlock()
		return
	}
	if ev.Closed {
		r, w := reg.read, reg.write
		reg.read, reg.write = nil, nil
		m.dropLocked(reg)
		m.mu.Unlock()
		m.fire(r, api.ErrReset)
		m.fire(w, api.ErrReset)
		return
	}

	var r, w *continuation
	if ev.Readable && reg.read != nil {
		r, reg.read = reg.read, nil
	}
	if ev.Writeable && reg.write != nil {
		w, reg.write = reg.write, nil
	}
	var rearmErr error
	var stranded *continuation
	switch {
	case reg.empty():
		m.dropLocked(reg)
	case r != nil || w != nil:
		if rearmErr = m.armLocked(reg); rearmErr != nil {
			stranded = reg.read
			if stranded == nil {
				stranded = reg.write
			}
			reg.read, reg.write = nil, nil
			m.dropLocked(reg)
		} else {
			// The direction still waiting gets a fresh timeout.
			now := m.clock.Now()
			for _, c := range []*continuation{reg.read, reg.write} {
				if c != nil && !c.deadline.IsZero() {
					c.deadline = now.Add(c.timeout)
				}
			}
			m.rescheduleLocked(reg)
		}
	}
	m.mu.Unlock()

	m.fire(r, nil)
	m.fire(w, nil)
	if stranded != nil {
		m.fire(stranded, rearmErr)
	}
}

// fire submits c as its own unit of work.
func (m *Multiplexer) fire(c *continuation, status error) {
	if c == nil {
		return
	}
	m.submit(func() { c.cb(status) })
}

// sweep expires continuations whose deadline is not after now. All expired
// continuations of one sweep run as one unit in deadline order.
func (m *Multiplexer) sweep() {
	now := m.clock.Now()
	var expired []*continuation

	m.mu.Lock()
	for {
		reg, ok := m.expiry.Min()
		if !ok || reg.key.After(now) {
			break
		}
		m.expiry.Delete(reg)
		reg.queued = false
		key := reg.key
		if reg.read != nil && reg.read.deadline.Equal(key) {
			expired = append(expired, reg.read)
			reg.read = nil
		}
		if reg.write != nil && reg.write.deadline.Equal(key) {
			expired = append(expired, reg.write)
			reg.write = nil
		}
		if reg.empty() {
			m.dropLocked(reg)
			continue
		}
		if err := m.armLocked(reg); err != nil {
			log.L.WithError(err).WithField("fd", reg.fd).Warn("reactor: re-arm after timeout failed")
		}
		m.rescheduleLocked(reg)
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	m.metrics.ReactorTimeouts(len(expired))
	m.submit(func() {
		for _, c := range expired {
			c.cb(api.ErrTimeout)
		}
	})
}

// submit hands fn to the executor, running it inline when rejected so that
// no continuation is lost.
func (m *Multiplexer) submit(fn func()) {
	if err := m.exec.Submit(fn); err != nil {
		log.L.WithError(err).Debug("reactor: executor rejected task, running inline")
		fn()
	}
}

// Activate takes one activation; while any is held the dispatch pass keeps
// resubmitting itself.
func (m *Multiplexer) Activate() {
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
	m.kick()
}

// Deactivate drops one activation. Dropping the last activation while
// continuations are outstanding returns ErrPendingWork.
func (m *Multiplexer) Deactivate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == 0 {
		return api.Errorf(api.ErrCodeInvalidArgument, "reactor: deactivate without activate")
	}
	m.active--
	if m.active == 0 && len(m.regs) > 0 {
		return api.Errorf(api.ErrCodePendingWork, "reactor: %d registrations outstanding", len(m.regs))
	}
	return nil
}

// Active returns the current activation count.
func (m *Multiplexer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Multiplexer) shouldRun() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active > 0 && !m.closed
}

func (m *Multiplexer) kick() {
	if !m.shouldRun() || !m.running.CompareAndSwap(false, true) {
		return
	}
	if err := m.exec.Submit(m.loop); err != nil {
		m.running.Store(false)
		log.L.WithError(err).Warn("reactor: cannot schedule dispatch")
	}
}

func (m *Multiplexer) loop() {
	if err := m.Dispatch(); err != nil && !errors.Is(err, api.ErrInterrupted) && !errors.Is(err, api.ErrClosed) {
		log.L.WithError(err).Warn("reactor: dispatch failed")
	}
	m.running.Store(false)
	m.kick()
}

// Pending returns the number of outstanding continuations.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, reg := range m.regs {
		if reg.read != nil {
			n++
		}
		if reg.write != nil {
			n++
		}
	}
	return n
}

// Close cancels every continuation with ErrClosed and releases the poller.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var pending []*continuation
	for _, reg := range m.regs {
		if reg.read != nil {
			pending = append(pending, reg.read)
		}
		if reg.write != nil {
			pending = append(pending, reg.write)
		}
	}
	m.regs = make(map[int]*registration)
	m.expiry.Clear(false)
	m.mu.Unlock()

	for _, c := range pending {
		c.cb(api.ErrClosed)
	}
	return m.poller.Close()
}
