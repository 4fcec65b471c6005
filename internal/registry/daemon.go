package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rally/pkg/logger"
)

// staleAfter is how long a session's counter/PID entries survive
// without a touch before the periodic sweep prunes them.
const staleAfter = 6 * time.Hour

type sessionState struct {
	counter  uint32
	pid      int
	lastSeen time.Time
}

// Daemon is the host-local rendezvous daemon: one process per host,
// reachable over a Unix domain socket (or Windows named pipe), serving
// one newline-delimited JSON request/response exchange per connection,
// plus a routing table for the control-message dialect.
type Daemon struct {
	socketPath string
	listener   net.Listener
	cron       *cron.Cron

	mu       sync.Mutex
	sessions map[string]*sessionState

	routeMu sync.Mutex
	routes  map[int]net.Conn // target_pid -> persistent client connection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemon creates a Daemon bound to the well-known socket path for
// appName. It does not start listening until Start is called.
func NewDaemon(appName string) *Daemon {
	return &Daemon{
		socketPath: SocketPath(appName),
		sessions:   make(map[string]*sessionState),
		routes:     make(map[int]net.Conn),
	}
}

// Start binds the socket, unlinking a stale one first, and begins
// accepting connections plus the periodic stale-session sweep. If a
// daemon already answers on the socket, Start returns an error and
// leaves that socket in place.
func (d *Daemon) Start() error {
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if runtime.GOOS != "windows" {
		if conn, err := dial(d.socketPath); err == nil {
			conn.Close()
			return fmt.Errorf("registry: socket %s already in use", d.socketPath)
		}
		_ = os.Remove(d.socketPath)
	}

	l, err := listen(d.socketPath)
	if err != nil {
		return fmt.Errorf("registry: listen: %w", err)
	}
	d.listener = l

	if runtime.GOOS != "windows" {
		_ = os.Chmod(d.socketPath, 0600)
	}

	d.cron = cron.New()
	if _, err := d.cron.AddFunc("@every 10m", d.sweepStale); err != nil {
		return fmt.Errorf("registry: schedule sweep: %w", err)
	}
	d.cron.Start()

	d.wg.Add(1)
	go d.acceptLoop()

	logger.Component("registry").Info().Str("socket", d.socketPath).Msg("registry daemon listening")
	return nil
}

// Stop closes the listener, stops the sweep, and unlinks the socket.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.cron != nil {
		d.cron.Stop()
	}
	if d.listener != nil {
		_ = d.listener.Close()
	}
	d.routeMu.Lock()
	for pid, conn := range d.routes {
		conn.Close()
		delete(d.routes, pid)
	}
	d.routeMu.Unlock()
	d.wg.Wait()
	if runtime.GOOS != "windows" {
		_ = os.Remove(d.socketPath)
	}
}

// SocketPath returns the path or pipe name the daemon is bound to.
func (d *Daemon) SocketPath() string {
	return d.socketPath
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				logger.Component("registry").Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

// handleConn reads exactly one line, dispatches it, writes exactly one
// response line, and closes the connection — unless the request is a
// control-dialect registration asking to keep the connection open for
// routed ROUTE_TO_PID delivery.
func (d *Daemon) handleConn(conn net.Conn) {
	defer d.wg.Done()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		conn.Close()
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		d.reply(conn, Response{Success: false, Message: "invalid request"})
		conn.Close()
		return
	}

	if req.Type == "register_route" {
		d.registerRoute(req.Value, conn)
		d.reply(conn, Response{Success: true})
		return // connection kept open, owned by the routing table now
	}

	resp := d.dispatch(req)
	d.reply(conn, resp)
	conn.Close()
}

func (d *Daemon) reply(conn net.Conn, resp Response) {
	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		logger.Component("registry").Warn().Err(err).Msg("write response failed")
	}
}

func (d *Daemon) registerRoute(pid int, conn net.Conn) {
	d.routeMu.Lock()
	defer d.routeMu.Unlock()
	if existing, ok := d.routes[pid]; ok {
		existing.Close()
	}
	d.routes[pid] = conn
}

// RouteToPID delivers a control-dialect payload to the persistent
// connection registered for targetPID, if any. Returns false if no
// live route exists, in which case the caller embeds a RouteEnvelope
// in its own response instead.
func (d *Daemon) RouteToPID(targetPID int, payload json.RawMessage) bool {
	d.routeMu.Lock()
	conn, ok := d.routes[targetPID]
	d.routeMu.Unlock()
	if !ok {
		return false
	}
	envelope := map[string]any{"type": RouteToPIDPrefix, "target_pid": targetPID, "payload": payload}
	enc := json.NewEncoder(conn)
	if err := enc.Encode(envelope); err != nil {
		d.routeMu.Lock()
		delete(d.routes, targetPID)
		d.routeMu.Unlock()
		return false
	}
	return true
}

func (d *Daemon) dispatch(req Request) Response {
	if req.Type != "" {
		return d.dispatchControl(req)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Command {
	case CommandIncrement:
		st := d.stateFor(req.SessionID)
		st.counter += uint32(stepAmount(req.Value))
		return Response{Success: true, Data: map[string]uint32{"value": st.counter}}
	case CommandDecrement:
		st := d.stateFor(req.SessionID)
		n := uint32(stepAmount(req.Value))
		if st.counter > n {
			st.counter -= n
		} else {
			st.counter = 0
		}
		value := st.counter
		if st.counter == 0 && st.pid == 0 {
			delete(d.sessions, req.SessionID)
		}
		return Response{Success: true, Data: map[string]uint32{"value": value}}
	case CommandGet:
		st, ok := d.sessions[req.SessionID]
		if !ok {
			return Response{Success: true, Data: map[string]uint32{"value": 0}}
		}
		st.lastSeen = time.Now()
		return Response{Success: true, Data: map[string]uint32{"value": st.counter}}
	case CommandList:
		out := make(map[string]uint32, len(d.sessions))
		for id, st := range d.sessions {
			out[id] = st.counter
		}
		return Response{Success: true, Data: out}
	case CommandClear:
		delete(d.sessions, req.SessionID)
		return Response{Success: true}
	case CommandRegisterPID:
		st := d.stateFor(req.SessionID)
		st.pid = req.Value
		return Response{Success: true}
	case CommandGetPID:
		st, ok := d.sessions[req.SessionID]
		if !ok {
			return Response{Success: false, Message: "unknown session"}
		}
		st.lastSeen = time.Now()
		return Response{Success: true, Data: map[string]uint32{"pid": uint32(st.pid)}}
	case CommandUnregisterPID:
		if st, ok := d.sessions[req.SessionID]; ok {
			st.pid = 0
		}
		return Response{Success: true}
	case CommandListPIDs:
		out := make(map[string]uint32, len(d.sessions))
		for id, st := range d.sessions {
			if st.pid != 0 {
				out[id] = uint32(st.pid)
			}
		}
		return Response{Success: true, Data: out}
	default:
		return Response{Success: false, Message: "unknown command"}
	}
}

// dispatchControl handles the control-message dialect
// (spawn_instances/list_instances/close_instance). The daemon itself
// holds no orchestrator state for these — it is a pure relay, routing
// to whichever orchestrator process owns the relevant session. Direct
// in-process handling belongs to the orchestrator registering the
// route; if none is registered the request is reported undeliverable.
func (d *Daemon) dispatchControl(req Request) Response {
	switch req.Type {
	case ControlSpawnInstances, ControlListInstances, ControlCloseInstance:
		d.mu.Lock()
		st, ok := d.sessions[req.SessionID]
		d.mu.Unlock()
		if !ok || st.pid == 0 {
			return Response{Success: false, Message: "no route registered for session"}
		}

		if d.RouteToPID(st.pid, req.Payload) {
			return Response{Success: true}
		}
		// The owning orchestrator's persistent connection isn't held by
		// this accept loop's view of the routing table (e.g. a second
		// daemon instance in tests); hand the envelope back so the
		// caller can retry delivery out of band.
		return Response{Success: false, Message: "route registered but undeliverable", Route: &RouteEnvelope{TargetPID: st.pid, Payload: req.Payload}}
	default:
		return Response{Success: false, Message: "unknown control type"}
	}
}

// stepAmount returns the requested increment/decrement amount,
// defaulting to 1 when the client didn't set value (a bare
// increment/decrement command, the common case).
func stepAmount(value int) int {
	if value == 0 {
		return 1
	}
	return value
}

func (d *Daemon) stateFor(sessionID string) *sessionState {
	st, ok := d.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		d.sessions[sessionID] = st
	}
	st.lastSeen = time.Now()
	return st
}

func (d *Daemon) sweepStale() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	for id, st := range d.sessions {
		if st.lastSeen.Before(cutoff) {
			delete(d.sessions, id)
		}
	}
}
