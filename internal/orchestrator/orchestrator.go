// Package orchestrator is the composition root: it wires the event
// decoder, child supervisor, router, tab store, coordination
// controller, stall detector, permission subflow, registry daemon, and
// advisor client into one running process and drives the per-tab
// dispatch loop. The UI/input boundary is deliberately not owned here
// — callers get a *ui.Boundary constructed over the same
// store/supervisor/coordinator via Boundary(). One struct owns every
// subsystem's lifecycle behind a single Start/Shutdown pair.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"rally/internal/advisor"
	"rally/internal/config"
	"rally/internal/coordinator"
	"rally/internal/event"
	"rally/internal/permission"
	"rally/internal/registry"
	"rally/internal/router"
	"rally/internal/stall"
	"rally/internal/supervisor"
	"rally/internal/tabstore"
	"rally/internal/ui"
	"rally/pkg/logger"
)

// stallPollInterval is how often the dispatch loop re-checks every
// tab's stall gate; the cadence is implementation-defined.
const stallPollInterval = 5 * time.Second

// shutdownGrace bounds how long Shutdown waits for the orchestrator's
// own goroutines to return after it has sent kill to every attached
// child.
const shutdownGrace = 5 * time.Second

// Orchestrator owns every C1-C9 subsystem's lifecycle for one host
// process.
type Orchestrator struct {
	cfg *config.Config

	store       *tabstore.Store
	events      chan event.Event
	supervisor  *supervisor.Supervisor
	router      *router.Router
	advisor     *advisor.Client
	coordinator *coordinator.Controller
	stall       *stall.Detector
	permission  *permission.Subflow
	whitelist   *permission.Whitelist

	daemon      *registry.Daemon
	daemonOwned bool
	routeClient *registry.RouteClient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every component but starts nothing; call Start to run
// the dispatch loop and bind the registry socket.
func New(cfg *config.Config) *Orchestrator {
	events := make(chan event.Event, 256)
	store := tabstore.New()
	sup := supervisor.New(cfg.AssistantBinaryName, cfg.MCPConfigPath, events)
	adv := advisor.New(cfg.AdvisorBaseURL, cfg.AdvisorModel, 2, 4)
	coord := coordinator.New(store, sup, adv, cfg.MaxInstancesDefault)
	stallDet := stall.New(store, adv, coord)
	perm := permission.New(store, &permission.CLIConfigCommand{AssistantBinary: cfg.AssistantBinaryName}, adv)

	wl := permission.NewWhitelist()
	if len(cfg.SafeToolsWhitelist) > 0 {
		wl.Reload(cfg.SafeToolsWhitelist)
	}
	if main, ok := store.GetByID(store.MainTabID()); ok {
		permission.PreEnableSafeTools(main, wl)
	}

	return &Orchestrator{
		cfg:         cfg,
		store:       store,
		events:      events,
		supervisor:  sup,
		router:      router.New(store, store),
		advisor:     adv,
		coordinator: coord,
		stall:       stallDet,
		permission:  perm,
		whitelist:   wl,
		daemon:      registry.NewDaemon("rally"),
	}
}

// Store exposes the Tab Store for a CLI front-end to read (e.g.
// printing a headless chat transcript).
func (o *Orchestrator) Store() *tabstore.Store { return o.store }

// Boundary builds a UI/Input boundary (C10) wired to this
// orchestrator's store, supervisor, and coordinator.
func (o *Orchestrator) Boundary() *ui.Boundary {
	return ui.New(o.store, o.supervisor, o.coordinator)
}

// Start binds the registry socket (stepping aside if another
// orchestrator already owns it), checks the assistant binary's version
// if a constraint is configured, and begins the dispatch loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	if o.cfg.AssistantVersionConstraint != "" {
		supervisor.CheckVersion(o.ctx, o.cfg.AssistantBinaryName, o.cfg.AssistantVersionConstraint)
	}

	o.startRegistry()

	o.wg.Add(2)
	go o.dispatchLoop()
	go o.stallLoop()

	logger.Component("orchestrator").Info().Msg("started")
	return nil
}

// startRegistry binds the daemon's socket. If another process already
// owns it (Start fails to listen), this process runs as a secondary
// orchestrator: it skips daemon startup and instead registers a
// persistent route with its own PID so control messages addressed here
// can still be delivered.
func (o *Orchestrator) startRegistry() {
	if err := o.daemon.Start(); err != nil {
		logger.Component("orchestrator").Warn().Err(err).Msg("registry socket already owned by another orchestrator; running as secondary")
		o.daemonOwned = false
	} else {
		o.daemonOwned = true
	}

	socketPath := o.cfg.RegistrySocketPath
	if socketPath == "" {
		socketPath = registry.SocketPath("rally")
	}
	o.routeClient = registry.NewRouteClient(socketPath, os.Getpid(), o.handleRoutedControl)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.routeClient.Run(o.ctx)
	}()
}

// routedControl is the JSON shape a rally-mcp-server child forwards
// over the registry's ROUTE_TO_PID envelope.
type routedControl struct {
	Type           string `json:"type"`
	Count          int    `json:"count,omitempty"`
	TaskHint       string `json:"task_hint,omitempty"`
	InstanceID     string `json:"instance_id,omitempty"`
	RequesterTabID string `json:"requester_id,omitempty"`
}

func (o *Orchestrator) handleRoutedControl(payload json.RawMessage) {
	var rc routedControl
	if err := json.Unmarshal(payload, &rc); err != nil {
		logger.Component("orchestrator").Warn().Err(err).Msg("malformed routed control payload")
		return
	}
	switch rc.Type {
	case registry.ControlSpawnInstances:
		go o.coordinator.Spawn(o.ctx, coordinator.Request{
			RequestingTabID: rc.RequesterTabID,
			TaskDescription: rc.TaskHint,
			RequestedN:      rc.Count,
		})
	case registry.ControlCloseInstance:
		o.closeInstance(rc.InstanceID)
	case registry.ControlListInstances:
		o.noteInstanceList(rc.RequesterTabID)
	default:
		logger.Component("orchestrator").Warn().Str("type", rc.Type).Msg("unknown routed control type")
	}
}

// dispatchLoop is the Router's sink: one goroutine drains the shared
// events channel, resolving each event to a tab and applying it to the
// Tab Store, Stall Detector, and Permission Subflow in the order
// order.
func (o *Orchestrator) dispatchLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case ev, ok := <-o.events:
			if !ok {
				return
			}
			o.router.Route(ev, o.deliver)
		}
	}
}

func (o *Orchestrator) deliver(tabID string, ev event.Event) {
	log := logger.Component("orchestrator")

	switch ev.Kind {
	case event.KindSessionStarted:
		if err := o.store.BindSession(tabID, ev.SessionID); err != nil {
			log.Warn().Err(err).Str("tab_id", tabID).Msg("bind session failed")
			break
		}
		for _, buffered := range o.router.Drain(tabID, ev.SessionID) {
			o.deliver(tabID, buffered)
		}

	case event.KindStreamStart:
		if tab, ok := o.store.GetByID(tabID); ok {
			tab.SetStatus(tabstore.StatusWorking)
			tab.SetProcessing(true)
			tab.ResetTurn()
		}
		o.stall.SetProcessing(tabID, true)

	case event.KindStreamText:
		_ = o.store.AppendStreamText(tabID, ev.Text)
		o.stall.RecordActivity(tabID)

	case event.KindToolUse:
		if tab, ok := o.store.GetByID(tabID); ok {
			tab.RecordToolAttempt(ev.ToolName)
		}
		_ = o.store.AppendEntry(tabID, tabstore.Entry{
			Sender: tabstore.SenderTool,
			ToolCalls: []tabstore.ToolCall{
				{Name: ev.ToolName, Status: tabstore.ToolCallCompleted},
			},
		})
		o.stall.RecordActivity(tabID)

	case event.KindToolPermissionDenied:
		go func() {
			if err := o.permission.HandleDenied(o.ctx, tabID, ev.ToolName); err != nil {
				log.Warn().Err(err).Str("tab_id", tabID).Str("tool", ev.ToolName).Msg("permission retry failed")
			}
		}()

	case event.KindStreamEnd:
		o.finishTurn(tabID)

	case event.KindError:
		_ = o.store.AppendEntry(tabID, tabstore.Entry{Sender: tabstore.SenderSystem, Content: fmt.Sprintf("Error: %s", ev.Text)})

	case event.KindExited:
		if tab, ok := o.store.GetByID(tabID); ok {
			tab.SetProcessing(false)
			tab.SetStatus(tabstore.StatusAvailable)
		}
		o.stall.SetProcessing(tabID, false)
		if ev.ExitCode != 0 {
			_ = o.store.AppendEntry(tabID, tabstore.Entry{
				Sender:  tabstore.SenderSystem,
				Content: fmt.Sprintf("Child exited with code %d", ev.ExitCode),
			})
		}

	case event.KindSpawnInstances:
		count, hint := 0, ""
		if ev.Control != nil {
			count, hint = ev.Control.Count, ev.Control.TaskHint
		}
		go o.coordinator.Spawn(o.ctx, coordinator.Request{
			RequestingTabID: tabID,
			TaskDescription: hint,
			RequestedN:      count,
		})

	case event.KindListInstances:
		o.noteInstanceList(tabID)

	case event.KindCloseInstance:
		if ev.Control != nil {
			o.closeInstance(ev.Control.InstanceID)
		}
	}
}

// finishTurn closes out a StreamEnd: flips processing flags, records
// activity for the stall clock, and — when tool calls preceded the
// final message — asks the Permission Subflow to classify whether the
// assistant stalled on a missing permission.
func (o *Orchestrator) finishTurn(tabID string) {
	tab, ok := o.store.GetByID(tabID)
	if !ok {
		return
	}
	tab.SetProcessing(false)
	tab.SetStatus(tabstore.StatusAvailable)
	o.stall.SetProcessing(tabID, false)
	o.stall.RecordActivity(tabID)

	toolNames := tab.ToolAttempts()
	tab.ResetTurn()
	if len(toolNames) == 0 {
		return
	}

	lastMessage := lastAssistantMessage(tab)
	go func() {
		names, err := o.permission.ClassifyFinalTurn(o.ctx, toolNames, lastMessage)
		if err != nil {
			logger.Component("orchestrator").Warn().Err(err).Str("tab_id", tabID).Msg("permission classifier error")
			return
		}
		if len(names) == 0 {
			return
		}
		if err := o.permission.EnableAndRetryForClassifiedTurn(o.ctx, tabID, names); err != nil {
			logger.Component("orchestrator").Warn().Err(err).Str("tab_id", tabID).Msg("enable-and-retry failed")
		}
	}()
}

func lastAssistantMessage(tab *tabstore.Tab) string {
	log := tab.Snapshot()
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Sender == tabstore.SenderAssistant {
			return log[i].Content
		}
	}
	return ""
}

func (o *Orchestrator) noteInstanceList(tabID string) {
	if tabID == "" {
		return
	}
	tabs := o.store.List()
	names := make([]string, 0, len(tabs))
	for _, t := range tabs {
		names = append(names, fmt.Sprintf("%s(%s)", t.Name, t.GetStatus()))
	}
	_ = o.store.AppendEntry(tabID, tabstore.Entry{
		Sender:  tabstore.SenderSystem,
		Content: fmt.Sprintf("Instances: %v", names),
	})
}

func (o *Orchestrator) closeInstance(tabID string) {
	if tabID == "" {
		return
	}
	tab, ok := o.store.GetByID(tabID)
	if !ok {
		return
	}
	if job, ok := tab.Process().(*supervisor.Job); ok && job != nil {
		_ = job.Handle.Kill()
	}
	if err := o.store.Close(tabID); err != nil {
		logger.Component("orchestrator").Warn().Err(err).Str("tab_id", tabID).Msg("close instance failed")
	}
}

// stallLoop polls every tab's stall gate on a fixed cadence and drives
// Trigger on whichever tabs satisfy it. Cadence is not
// fixed by any contract; stallPollInterval matches the configured minimum
// check interval.
func (o *Orchestrator) stallLoop() {
	defer o.wg.Done()
	interval := stallPollInterval
	if o.cfg.StallMinCheckIntervalS > 0 {
		interval = time.Duration(o.cfg.StallMinCheckIntervalS) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			for _, tab := range o.store.List() {
				if o.stall.ShouldTrigger(tab.ID) {
					go func(tabID string) {
						if err := o.stall.Trigger(o.ctx, tabID); err != nil {
							logger.Component("orchestrator").Warn().Err(err).Str("tab_id", tabID).Msg("stall trigger failed")
						}
					}(tab.ID)
				}
			}
		}
	}
}

// Shutdown cancels the dispatch and stall loops, sends kill to every
// tab's attached child, waits best-effort (up to shutdownGrace) for the
// orchestrator's own goroutines to return, then stops the registry
// daemon if this process owns it. It does not wait for the killed
// children themselves to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}

	for _, tab := range o.store.List() {
		if job, ok := tab.Process().(*supervisor.Job); ok && job != nil {
			_ = job.Handle.Kill()
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	grace, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	select {
	case <-done:
	case <-grace.Done():
		logger.Component("orchestrator").Warn().Msg("shutdown grace period elapsed with workers still running")
	}

	if o.daemonOwned {
		o.daemon.Stop()
	}
	logger.Component("orchestrator").Info().Msg("stopped")
	return nil
}
