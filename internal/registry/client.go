package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rally/pkg/logger"
)

// Client is the thin one-shot registry client: dial, write one
// request line, read one response line, close. Used for the
// increment/decrement/get/list/register_pid-style commands that don't
// need a standing connection.
type Client struct {
	socketPath string
	dialTimeout time.Duration
}

// NewClient creates a one-shot Client for the given socket path.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, dialTimeout: 3 * time.Second}
}

// Do sends req and returns the daemon's response.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	conn, err := dial(c.socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("registry: dial: %w", err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.dialTimeout))
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("registry: write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Response{}, fmt.Errorf("registry: read response: %w", err)
		}
		return Response{}, fmt.Errorf("registry: empty response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("registry: decode response: %w", err)
	}
	return resp, nil
}

// RouteClient is the persistent, auto-reconnecting control connection
// an orchestrator keeps open with the registry daemon so it can
// receive routed ROUTE_TO_PID control messages. It reconnects with a
// bounded backoff.
type RouteClient struct {
	socketPath string
	pid        int
	handler    func(payload json.RawMessage)
}

// NewRouteClient creates a RouteClient that will register pid with
// the daemon and invoke handler for every ROUTE_TO_PID message it
// receives.
func NewRouteClient(socketPath string, pid int, handler func(payload json.RawMessage)) *RouteClient {
	return &RouteClient{socketPath: socketPath, pid: pid, handler: handler}
}

// Run blocks, maintaining the connection until ctx is cancelled,
// reconnecting with bounded backoff on any failure.
func (rc *RouteClient) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // retry indefinitely until ctx cancellation

	for {
		if ctx.Err() != nil {
			return
		}
		if err := rc.runOnce(ctx); err != nil {
			wait := bo.NextBackOff()
			logger.Component("registry").Warn().Err(err).Dur("retry_in", wait).Msg("route client disconnected")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		bo.Reset()
	}
}

func (rc *RouteClient) runOnce(ctx context.Context) error {
	conn, err := dial(rc.socketPath)
	if err != nil {
		return fmt.Errorf("registry: dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	reg := Request{Type: "register_route", Value: rc.pid}
	if err := json.NewEncoder(conn).Encode(reg); err != nil {
		return fmt.Errorf("registry: register route: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var env struct {
			Type      string          `json:"type"`
			TargetPID int             `json:"target_pid"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}
		if env.Type == RouteToPIDPrefix && rc.handler != nil {
			rc.handler(env.Payload)
		}
	}
	return scanner.Err()
}
