// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dispatcher

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ckpump/pump/internal/handler"
	"github.com/ckpump/pump/pkg/entry"
	"github.com/ckpump/pump/pkg/logfilter"
)

// recordingHandler collects every entry it sees, guarded by a mutex since
// the dispatcher's consumer goroutine is the only writer but tests read
// concurrently.
type recordingHandler struct {
	mu   sync.Mutex
	seen []string
}

func (h *recordingHandler) Activate(mon handler.Monitor) bool { return true }
func (h *recordingHandler) Handle(mon handler.Monitor, e *entry.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, e.TextOrEmpty())
}
func (h *recordingHandler) OnTimer(mon handler.Monitor, span time.Duration)            {}
func (h *recordingHandler) ApplyConfiguration(mon handler.Monitor, cfg handler.Config) bool { return true }
func (h *recordingHandler) Deactivate(mon handler.Monitor)                             {}

func (h *recordingHandler) Texts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

type recordingConfig struct{ name string }

func (c *recordingConfig) HandlerConfigType() string { return c.name }

func newTestDispatcher(t *testing.T) (*Dispatcher, *handler.Registry) {
	t.Helper()
	reg := handler.NewRegistry()
	reg.Register("DemoSinkConfig", handler.NewDemoSinkFactory())
	d := New(reg, 64, nil, nil)
	require.NoError(t, d.Start(nil))
	t.Cleanup(func() { d.Stop(time.Second) })
	return d, reg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// Scenario 1 (§8): reconfiguration does not stutter — two successive
// ApplyConfiguration calls produce "configuration n°0" then "configuration
// n°1" on the sink monitor stream, and never a spurious n°2.
func TestReconfigurationDoesNotStutter(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sink := &recordingHandler{}
	sinkCfg := &recordingConfig{name: "Recording"}
	d.registry.Register("Recording", func(cfg handler.Config) (handler.Handler, error) { return sink, nil })

	require.NoError(t, d.ApplyConfiguration(Config{Handlers: []HandlerSpec{{Config: sinkCfg}}}, true))
	require.NoError(t, d.ApplyConfiguration(Config{Handlers: []HandlerSpec{{Config: sinkCfg}, {Config: &handler.DemoSinkConfig{}}}}, true))

	waitFor(t, 200*time.Millisecond, func() bool {
		texts := sink.Texts()
		return len(texts) >= 2 && strings.Contains(strings.Join(texts, "\n"), "configuration n°1")
	})

	texts := strings.Join(sink.Texts(), "\n")
	require.Contains(t, texts, "configuration n°0")
	require.Contains(t, texts, "configuration n°1")
	require.NotContains(t, texts, "configuration n°2")
}

// Scenario 2 (§8): minimal filter live update, including "set to null
// retains the previous value rather than downgrading".
func TestMinimalFilterLiveUpdateRetainsOnNull(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sink := &recordingHandler{}
	d.registry.Register("Recording", func(cfg handler.Config) (handler.Handler, error) { return sink, nil })
	sinkCfg := &recordingConfig{name: "Recording"}

	debug := &logfilter.LogLevelFilter{Minimum: entry.LevelDebug}
	require.NoError(t, d.ApplyConfiguration(Config{
		Handlers:      []HandlerSpec{{Config: sinkCfg}},
		MinimalFilter: debug,
	}, true))

	d.mu.Lock()
	require.Equal(t, debug, d.filter.Minimal)
	d.mu.Unlock()

	// Setting MinimalFilter to nil must retain Debug, not reset to
	// Undefined.
	require.NoError(t, d.ApplyConfiguration(Config{
		Handlers: []HandlerSpec{{Config: sinkCfg}},
	}, true))

	d.mu.Lock()
	require.NotNil(t, d.filter.Minimal)
	require.Equal(t, entry.LevelDebug, d.filter.Minimal.Minimum)
	d.mu.Unlock()
}

// Scenario 3 (§8): tag filters override the minimal floor per matching tag,
// first match wins.
func TestTagFiltersOverrideMinimalFloor(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sink := &recordingHandler{}
	d.registry.Register("Recording", func(cfg handler.Config) (handler.Handler, error) { return sink, nil })

	sqlRule := &logfilter.TagRule{Matcher: "Sql", Filter: logfilter.LogLevelFilter{Minimum: entry.LevelDebug}}
	machineRule := &logfilter.TagRule{Matcher: "Machine", Filter: logfilter.LogLevelFilter{Minimum: entry.LevelOff}}

	require.NoError(t, d.ApplyConfiguration(Config{
		Handlers:      []HandlerSpec{{Config: &recordingConfig{name: "Recording"}}},
		MinimalFilter: &logfilter.LogLevelFilter{Minimum: entry.LevelTrace},
		TagFilters:    []*logfilter.TagRule{sqlRule, machineRule},
	}, true))

	yes := "YES"
	d.Handle(&entry.Entry{Kind: entry.KindLine, Level: entry.LevelDebug, Tags: []string{"Sql"}, Text: &yes})
	noshow := "NOSHOW"
	d.Handle(&entry.Entry{Kind: entry.KindLine, Level: entry.LevelTrace, Tags: []string{"Machine"}, Text: &noshow})
	again := "Yes again"
	d.Handle(&entry.Entry{Kind: entry.KindLine, Level: entry.LevelTrace, Tags: []string{"Machine", "Sql"}, Text: &again})

	waitFor(t, 200*time.Millisecond, func() bool { return len(sink.Texts()) >= 2 })
	time.Sleep(20 * time.Millisecond)

	texts := sink.Texts()
	require.Contains(t, texts, "YES")
	require.NotContains(t, texts, "NOSHOW")
	require.Contains(t, texts, "Yes again")
}

// Scenario 4 (§8): an invalid/unknown handler configuration does not stop
// the rest of the configuration, or subsequent events, from flowing.
func TestInvalidHandlerConfigDoesNotBlockPipeline(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sink := &recordingHandler{}
	d.registry.Register("Recording", func(cfg handler.Config) (handler.Handler, error) { return sink, nil })

	require.NoError(t, d.ApplyConfiguration(Config{
		Handlers: []HandlerSpec{{Config: &recordingConfig{name: "Recording"}}},
	}, true))

	before := "BEFORE"
	d.Handle(&entry.Entry{Kind: entry.KindLine, Text: &before})
	waitFor(t, 200*time.Millisecond, func() bool {
		texts := sink.Texts()
		return len(texts) > 0 && texts[len(texts)-1] == "BEFORE"
	})

	err := d.ApplyConfiguration(Config{
		Handlers: []HandlerSpec{
			{Config: &recordingConfig{name: "Recording"}},
			{Config: &recordingConfig{name: "TotallyUnknownHandlerConfig"}},
		},
	}, true)
	require.Error(t, err)

	after := "AFTER"
	d.Handle(&entry.Entry{Kind: entry.KindLine, Text: &after})

	waitFor(t, 200*time.Millisecond, func() bool {
		texts := sink.Texts()
		return len(texts) >= 2 && texts[len(texts)-1] == "AFTER"
	})

	texts := strings.Join(sink.Texts(), "\n")
	require.Contains(t, texts, "BEFORE")
	require.Contains(t, texts, "While applying dynamic configuration.")
	require.Contains(t, texts, "AFTER")
}

// Invariant (§8): two successive ApplyConfiguration(a) then
// ApplyConfiguration(b) with wait=true leave the final handler set matching
// b, with no handler from a\b remaining active.
func TestApplyConfigurationConvergesToFinalSet(t *testing.T) {
	d, _ := newTestDispatcher(t)
	a := &recordingHandler{}
	b := &recordingHandler{}
	d.registry.Register("A", func(cfg handler.Config) (handler.Handler, error) { return a, nil })
	d.registry.Register("B", func(cfg handler.Config) (handler.Handler, error) { return b, nil })

	require.NoError(t, d.ApplyConfiguration(Config{Handlers: []HandlerSpec{{Config: &recordingConfig{name: "A"}}}}, true))
	require.NoError(t, d.ApplyConfiguration(Config{Handlers: []HandlerSpec{{Config: &recordingConfig{name: "B"}}}}, true))

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.handlers, 1)
	require.Equal(t, "B", d.handlers[0].configType)
}

func TestApplyConfigurationAfterStopReturnsErrSinkStopped(t *testing.T) {
	reg := handler.NewRegistry()
	d := New(reg, 8, nil, nil)
	require.NoError(t, d.Start(nil))
	d.Stop(time.Second)

	err := d.ApplyConfiguration(Config{}, true)
	require.ErrorIs(t, err, ErrSinkStopped)
}

func TestLifecycleStates(t *testing.T) {
	reg := handler.NewRegistry()
	d := New(reg, 8, nil, nil)
	require.Equal(t, StateStarting, d.State())
	require.NoError(t, d.Start(nil))
	require.Equal(t, StateRunning, d.State())
	d.Stop(time.Second)
	require.Equal(t, StateStopped, d.State())
}
