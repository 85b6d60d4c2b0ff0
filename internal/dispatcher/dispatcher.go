// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dispatcher implements the pipeline's spine (spec §4.4): a
// single-consumer asynchronous pump that fans events out to an ordered,
// hot-reconfigurable list of handlers, with its own periodic maintenance
// and a dedicated internal monitor for observability of reconfiguration.
package dispatcher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/ckpump/pump/internal/handler"
	"github.com/ckpump/pump/pkg/entry"
	"github.com/ckpump/pump/pkg/logfilter"
)

// SinkMonitorID is the dispatcher's own internal monitor id (§4.4: "a
// dedicated internal monitor (id sink_monitor_id)").
const SinkMonitorID = "§sink"

// ExternalMonitorID is the sentinel monitor id for ExternalLog entries
// (§4.4/§6).
const ExternalMonitorID = "§ext"

// State is one of the dispatcher's one-way lifecycle states (§4.4).
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// ErrSinkStopped resolves the open question from spec §9: a wait=true
// ApplyConfiguration call made while the dispatcher is Stopping or Stopped
// returns this immediately rather than blocking forever.
var ErrSinkStopped = errors.New("dispatcher: sink is stopped")

// HandlerSpec pairs a handler configuration with the identity used to
// match it across reconfiguration (§4.4: "(handler-configuration-type,
// instance-equality) pair").
type HandlerSpec struct {
	Config handler.Config
}

// Config is the full set of configuration values the dispatcher core
// consumes (§6).
type Config struct {
	TimerDuration           time.Duration
	Handlers                []HandlerSpec
	MinimalFilter           *logfilter.LogLevelFilter
	ExternalLogLevelFilter  *logfilter.LogLevelFilter
	TagFilters              []*logfilter.TagRule
}

const defaultTimerDuration = 500 * time.Millisecond

type activeHandler struct {
	configType string
	cfg        handler.Config
	h          handler.Handler
}

type command interface{ isCommand() }

type configureCmd struct {
	generation uint64
	cfg        Config
	done       chan error
	// waiters holds the done channels of older configureCmds this one
	// superseded before the loop got around to applying them (§4.4
	// "Reconfiguration fairness"): their wait=true callers unblock with
	// this command's own result once it is applied, instead of stuttering
	// through their own, now-stale, configuration.
	waiters []chan error
}

// configSignal wakes the consumer loop to pick up the latest pendingCfg
// (§4.4 fairness: the channel only ever carries a signal, never a stale
// configureCmd, so a superseded command can never be dequeued and applied
// on its own).
type configSignal struct{}

func (configSignal) isCommand() {}

type garbageCmd struct{}

func (garbageCmd) isCommand() {}

type stopCmd struct{ done chan struct{} }

func (stopCmd) isCommand() {}

// Dispatcher is the pump (spec §4.4).
type Dispatcher struct {
	registry *handler.Registry

	events chan *entry.Entry
	cmds   chan command

	state atomic.Int32

	mu       sync.Mutex
	handlers []*activeHandler
	filter   *logfilter.Filter
	extFilter *logfilter.LogLevelFilter
	timerDur  time.Duration

	genMu      sync.Mutex
	nextGen    uint64
	pendingCfg *configureCmd

	extLimiter *rate.Limiter

	garbageCallback func()
	sched           gocron.Scheduler

	metrics metricSet

	// sinkChainMu guards the prev-entry chain state for the dispatcher's
	// own §sink monitor (§3: "each multicast entry ... references the
	// (type, time) of that monitor's immediately preceding entry"), the
	// same bookkeeping internal/client.Binding keeps per externally bound
	// monitor.
	sinkChainMu  sync.Mutex
	sinkPrevType entry.Kind
	sinkPrevSet  bool
	sinkPrevTime entry.DateTimeStamp

	wg sync.WaitGroup
}

type metricSet struct {
	received    prometheus.Counter
	handlerErrs prometheus.Counter
	reconfigs   prometheus.Counter
	bufferDepth prometheus.Gauge
}

func newMetricSet(reg prometheus.Registerer) metricSet {
	ms := metricSet{
		received:    prometheus.NewCounter(prometheus.CounterOpts{Name: "pump_events_received_total", Help: "Total events accepted by the dispatcher."}),
		handlerErrs: prometheus.NewCounter(prometheus.CounterOpts{Name: "pump_handler_errors_total", Help: "Total handler errors caught during fan-out."}),
		reconfigs:   prometheus.NewCounter(prometheus.CounterOpts{Name: "pump_reconfigurations_total", Help: "Total configuration generations applied."}),
		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{Name: "pump_intake_queue_depth", Help: "Current depth of the intake channel."}),
	}
	if reg != nil {
		reg.MustRegister(ms.received, ms.handlerErrs, ms.reconfigs, ms.bufferDepth)
	}
	return ms
}

// New constructs a Dispatcher in the Starting state. queueCapacity bounds
// the intake channel (§5: "bounded back-pressure"). garbageCallback is
// invoked by the GarbageDeadClients maintenance command (owner-provided,
// §4.4). reg may be nil to skip Prometheus registration (e.g. in tests).
func New(registry *handler.Registry, queueCapacity int, garbageCallback func(), reg prometheus.Registerer) *Dispatcher {
	d := &Dispatcher{
		registry:        registry,
		events:          make(chan *entry.Entry, queueCapacity),
		cmds:            make(chan command, 16),
		timerDur:        defaultTimerDuration,
		garbageCallback: garbageCallback,
		extLimiter:      rate.NewLimiter(rate.Limit(1000), 1000),
		metrics:         newMetricSet(reg),
	}
	d.state.Store(int32(StateStarting))
	return d
}

// State reports the current lifecycle state.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

// sinkMonitor lets the dispatcher emit into its own pipeline as described
// in §4.4.
type sinkMonitor struct{ d *Dispatcher }

func (m sinkMonitor) EmitInternalLog(level entry.LogLevel, tags []string, text string, exc *entry.Exception) {
	m.d.emitSinkLog(level, tags, text, exc)
}

func (d *Dispatcher) emitSinkLog(level entry.LogLevel, tags []string, text string, exc *entry.Exception) {
	t := entry.Now(0)

	d.sinkChainMu.Lock()
	prevType, prevSet, prevTime := d.sinkPrevType, d.sinkPrevSet, d.sinkPrevTime
	d.sinkPrevType, d.sinkPrevSet, d.sinkPrevTime = entry.KindLine, true, t
	d.sinkChainMu.Unlock()

	e := &entry.Entry{
		Kind:      entry.KindLine,
		Level:     level,
		Text:      &text,
		Time:      t,
		Tags:      tags,
		Exception: exc,
		Multicast: true,
		Multi: entry.MulticastInfo{
			GrandOutputID: entry.GrandOutputNone,
			MonitorID:     SinkMonitorID,
			PrevType:      prevType,
			PrevTypeSet:   prevSet,
			PrevTime:      prevTime,
		},
	}
	select {
	case d.events <- e:
	default:
		cclog.Warnf("[PUMP]> sink monitor event dropped, intake queue full: %s", text)
	}
}

// Start launches the background consumer goroutine. sched, if
// non-nil, is used to schedule the GarbageDeadClients sweep (default
// every 5 minutes); a nil scheduler disables that sweep, which tests rely
// on to keep runs deterministic.
func (d *Dispatcher) Start(sched gocron.Scheduler) error {
	d.sched = sched
	if sched != nil && d.garbageCallback != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(5*time.Minute),
			gocron.NewTask(func() { d.cmds <- garbageCmd{} }),
		); err != nil {
			return fmt.Errorf("dispatcher: scheduling garbage sweep: %w", err)
		}
		sched.Start()
	}

	d.state.Store(int32(StateRunning))
	d.wg.Add(1)
	go d.loop()
	return nil
}

// Handle enqueues an entry (§4.4 intake); it blocks (back-pressure) when
// the channel is at capacity.
func (d *Dispatcher) Handle(e *entry.Entry) {
	if State(d.state.Load()) >= StateStopping {
		return
	}
	d.metrics.received.Inc()
	d.events <- e
}

// ExternalLog synthesizes a Line entry under the §ext sentinel monitor id
// (§4.4/§6), rate-limited so a noisy external caller cannot starve
// monitor-sourced events.
func (d *Dispatcher) ExternalLog(level entry.LogLevel, tags []string, text string, exc *entry.Exception) {
	if State(d.state.Load()) >= StateStopping {
		return
	}
	d.mu.Lock()
	f := d.extFilter
	d.mu.Unlock()
	if !f.Passes(&entry.Entry{Level: level}) {
		return
	}
	if !d.extLimiter.Allow() {
		return
	}
	e := &entry.Entry{
		Kind:      entry.KindLine,
		Level:     level,
		Text:      &text,
		Time:      entry.Now(0),
		Tags:      tags,
		Exception: exc,
		Multicast: true,
		Multi: entry.MulticastInfo{
			GrandOutputID: entry.GrandOutputNone,
			MonitorID:     ExternalMonitorID,
		},
	}
	d.Handle(e)
}

// ApplyConfiguration enqueues a reconfiguration command (§4.4). A newer
// command supersedes any older one not yet applied (§4.4 "Reconfiguration
// fairness"): only the single latest configuration is ever held pending,
// so wait=true callers on a superseded command unblock with the newer
// one's own result once it completes, rather than the pump stuttering
// through their now-stale configuration first. If the dispatcher is
// Stopping/Stopped, it returns ErrSinkStopped immediately (resolved Open
// Question, DESIGN.md).
func (d *Dispatcher) ApplyConfiguration(cfg Config, wait bool) error {
	if State(d.state.Load()) >= StateStopping {
		return ErrSinkStopped
	}
	done := make(chan error, 1)

	d.genMu.Lock()
	d.nextGen++
	gen := d.nextGen
	var waiters []chan error
	if d.pendingCfg != nil {
		waiters = append(d.pendingCfg.waiters, d.pendingCfg.done)
	}
	d.pendingCfg = &configureCmd{generation: gen, cfg: cfg, done: done, waiters: waiters}
	d.genMu.Unlock()

	d.cmds <- configSignal{}

	if !wait {
		return nil
	}
	err, ok := <-done
	if !ok {
		return ErrSinkStopped
	}
	return err
}

// Stop deactivates all handlers in order and terminates the consumer,
// waiting up to timeout for drain (0 means wait forever, per §5's default
// of "milliseconds_before_force_close (default infinite)").
func (d *Dispatcher) Stop(timeout time.Duration) {
	if !d.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if State(d.state.Load()) == StateStarting {
			d.state.Store(int32(StateStopping))
		} else {
			return
		}
	}
	done := make(chan struct{})
	d.cmds <- stopCmd{done: done}

	if timeout <= 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		cclog.Warnf("[PUMP]> force-closing after %s, pending events dropped", timeout)
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	defer d.state.Store(int32(StateStopped))

	ticker := time.NewTicker(d.timerDur)
	defer ticker.Stop()

	for {
		d.metrics.bufferDepth.Set(float64(len(d.events)))
		select {
		case e := <-d.events:
			d.dispatchToHandlers(e)

		case cmd := <-d.cmds:
			switch c := cmd.(type) {
			case configSignal:
				d.genMu.Lock()
				pending := d.pendingCfg
				d.pendingCfg = nil
				d.genMu.Unlock()
				if pending == nil {
					// Already consumed by an earlier signal for the same
					// (now superseded) pendingCfg; nothing to do.
					continue
				}
				d.applyConfigureCmd(*pending)
				ticker.Reset(d.timerDur)
			case garbageCmd:
				if d.garbageCallback != nil {
					d.garbageCallback()
				}
			case stopCmd:
				d.shutdown()
				d.state.Store(int32(StateStopped))
				close(c.done)
				return
			}

		case <-ticker.C:
			d.mu.Lock()
			handlers := append([]*activeHandler(nil), d.handlers...)
			d.mu.Unlock()
			for _, ah := range handlers {
				ah.h.OnTimer(sinkMonitor{d}, d.timerDur)
			}
		}
	}
}

func (d *Dispatcher) dispatchToHandlers(e *entry.Entry) {
	d.mu.Lock()
	f := d.filter
	handlers := append([]*activeHandler(nil), d.handlers...)
	d.mu.Unlock()

	if !f.Passes(e) {
		return
	}

	for _, ah := range handlers {
		if !d.safeHandle(ah, e) {
			d.evictHandler(ah)
		}
	}
}

// safeHandle invokes Handle with panic containment, matching §7
// ("Permanent delivery failure ... the handler is evicted"): since
// handler.Handler.Handle has no error return, a handler signals permanent
// failure by panicking (NATSHandler does so when its BufferingBase reports
// a fatal sender-creation failure), and a false result here makes
// dispatchToHandlers evict it.
func (d *Dispatcher) safeHandle(ah *activeHandler, e *entry.Entry) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			d.metrics.handlerErrs.Inc()
			cclog.Errorf("[PUMP]> handler %s panicked: %v", ah.configType, r)
		}
	}()
	ah.h.Handle(sinkMonitor{d}, e)
	return true
}

func (d *Dispatcher) evictHandler(evicted *activeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, ah := range d.handlers {
		if ah == evicted {
			evicted.h.Deactivate(sinkMonitor{d})
			d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
			break
		}
	}
	d.emitSinkLog(entry.LevelError, []string{"Handler"}, fmt.Sprintf("handler %s evicted after permanent failure", evicted.configType), nil)
}

func (d *Dispatcher) applyConfigureCmd(c configureCmd) {
	err := d.reconcile(c.cfg)
	d.metrics.reconfigs.Inc()

	label := fmt.Sprintf("configuration n°%d", c.generation-1)
	if err != nil {
		d.emitSinkLog(entry.LevelError, []string{"Configuration"}, "While applying dynamic configuration.", &entry.Exception{Message: err.Error()})
	} else {
		d.emitSinkLog(entry.LevelInfo, []string{"Configuration"}, label, nil)
	}

	c.done <- err
	close(c.done)
	// §4.4 fairness: every wait=true caller whose configuration was
	// superseded before the loop got to it unblocks now, with this
	// (the one actually applied) command's result.
	for _, w := range c.waiters {
		w <- err
		close(w)
	}
}

func (d *Dispatcher) reconcile(cfg Config) error {
	// §8 scenario 2: a null minimal_filter in a reconfiguration retains
	// whatever value is already active rather than downgrading to
	// Undefined.
	minimal := cfg.MinimalFilter
	if minimal == nil {
		d.mu.Lock()
		if d.filter != nil {
			minimal = d.filter.Minimal
		}
		d.mu.Unlock()
	}

	filter, err := logfilter.NewFilter(minimal, cfg.TagFilters)
	if err != nil {
		return err
	}

	timerDur := cfg.TimerDuration
	if timerDur <= 0 {
		timerDur = defaultTimerDuration
	}

	desired := make(map[string]handler.Config, len(cfg.Handlers))
	var order []string
	for _, spec := range cfg.Handlers {
		t := spec.Config.HandlerConfigType()
		desired[t] = spec.Config
		order = append(order, t)
	}

	d.mu.Lock()
	existing := make(map[string]*activeHandler, len(d.handlers))
	for _, ah := range d.handlers {
		existing[ah.configType] = ah
	}
	d.mu.Unlock()

	var newList []*activeHandler
	var firstErr error
	for _, t := range order {
		cfgVal := desired[t]
		if ah, ok := existing[t]; ok {
			if ah.h.ApplyConfiguration(sinkMonitor{d}, cfgVal) {
				ah.cfg = cfgVal
				newList = append(newList, ah)
				delete(existing, t)
				continue
			}
			ah.h.Deactivate(sinkMonitor{d})
			delete(existing, t)
		}
		h, err := d.registry.Create(cfgVal)
		if err != nil {
			d.emitSinkLog(entry.LevelError, []string{"Configuration"}, fmt.Sprintf("unknown or invalid handler configuration: %v", err), nil)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !h.Activate(sinkMonitor{d}) {
			d.emitSinkLog(entry.LevelError, []string{"Configuration"}, fmt.Sprintf("handler %s failed to activate", t), nil)
			continue
		}
		newList = append(newList, &activeHandler{configType: t, cfg: cfgVal, h: h})
	}

	for _, ah := range existing {
		ah.h.Deactivate(sinkMonitor{d})
	}

	d.mu.Lock()
	d.handlers = newList
	d.filter = filter
	d.extFilter = cfg.ExternalLogLevelFilter
	d.timerDur = timerDur
	d.mu.Unlock()

	return firstErr
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	handlers := d.handlers
	d.handlers = nil
	d.mu.Unlock()
	for _, ah := range handlers {
		ah.h.Deactivate(sinkMonitor{d})
	}

	// A configuration submitted just before Stop() may still be sitting in
	// pendingCfg, never picked up by a configSignal; resolve its waiters
	// rather than leaving them blocked on <-done forever.
	d.genMu.Lock()
	pending := d.pendingCfg
	d.pendingCfg = nil
	d.genMu.Unlock()
	if pending != nil {
		pending.done <- ErrSinkStopped
		close(pending.done)
		for _, w := range pending.waiters {
			w <- ErrSinkStopped
			close(w)
		}
	}

	if d.sched != nil {
		_ = d.sched.Shutdown()
	}
}
