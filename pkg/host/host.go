// Package host assembles process groups on a shared loopback broker. Each
// group owns its loop, context registry, broker client and dispatcher.
package host

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/baaaht/portmux/internal/config"
	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/broker"
	"github.com/baaaht/portmux/pkg/dispatch"
	"github.com/baaaht/portmux/pkg/loop"
	"github.com/baaaht/portmux/pkg/metrics"
	"github.com/baaaht/portmux/pkg/registry"
	"github.com/baaaht/portmux/pkg/types"
)

// Group is one process group: a single logical thread and everything that
// runs on it
type Group struct {
	Name       string
	Loop       *loop.Loop
	Registry   *registry.Registry
	Client     *broker.Client
	Dispatcher *dispatch.Dispatcher

	conn *broker.Conn
}

// Host owns the loopback broker and its process groups
type Host struct {
	cfg     config.Config
	logger  *logger.Logger
	metrics *metrics.Collector
	broker  *broker.Loopback

	groups []*Group
	byName map[string]*Group
	closed bool
}

// New creates a host with no process groups
func New(cfg config.Config, log *logger.Logger) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err)
	}
	log = logger.OrDefault(log)

	m, err := metrics.New(cfg.Metrics)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create metrics", err)
	}
	lb, err := broker.NewLoopback(cfg.Broker, log)
	if err != nil {
		return nil, err
	}

	return &Host{
		cfg:     cfg,
		logger:  log.With("component", "host"),
		metrics: m,
		broker:  lb,
		byName:  make(map[string]*Group),
	}, nil
}

// AddGroup creates a process group attached to the broker
func (h *Host) AddGroup(name string) (*Group, error) {
	if h.closed {
		return nil, types.NewError(types.ErrCodeUnavailable, "host is closed")
	}
	if _, exists := h.byName[name]; exists {
		return nil, types.NewError(types.ErrCodeAlreadyExists, fmt.Sprintf("group already exists: %s", name))
	}

	l := loop.New()
	conn, err := h.broker.Attach(name, l)
	if err != nil {
		return nil, err
	}
	log := h.logger.With("group", name)

	reg, err := registry.New(l, log)
	if err != nil {
		return nil, err
	}
	client, err := broker.NewClient(conn, l, h.cfg.Messaging, log, h.metrics)
	if err != nil {
		return nil, err
	}
	d, err := dispatch.New(reg, client, l, h.cfg.Messaging, log, h.metrics)
	if err != nil {
		return nil, err
	}
	conn.SetEndpoint(d)

	g := &Group{
		Name:       name,
		Loop:       l,
		Registry:   reg,
		Client:     client,
		Dispatcher: d,
		conn:       conn,
	}
	h.groups = append(h.groups, g)
	h.byName[name] = g

	h.logger.Debug("Process group added", "group", name)
	return g, nil
}

// Route sends channels addressed to owner to g
func (h *Host) Route(owner types.OwnerID, g *Group) error {
	return h.broker.Route(owner, g.conn)
}

// Group returns a process group by name
func (h *Host) Group(name string) (*Group, bool) {
	g, ok := h.byName[name]
	return g, ok
}

// Groups returns the process groups in creation order
func (h *Host) Groups() []*Group {
	return append([]*Group(nil), h.groups...)
}

// Broker returns the loopback broker
func (h *Host) Broker() *broker.Loopback {
	return h.broker
}

// MetricsHandler serves the host's metrics
func (h *Host) MetricsHandler() http.Handler {
	return h.metrics.Handler()
}

// RunUntilIdle drains every loop, round after round, until a full round
// runs no task. It returns the number of tasks run.
func (h *Host) RunUntilIdle() int {
	total := 0
	for {
		ran := 0
		for _, g := range h.groups {
			ran += g.Loop.RunUntilIdle()
		}
		if ran == 0 {
			return total
		}
		total += ran
	}
}

// Run drives every loop on its own goroutine until ctx is done
func (h *Host) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(h.groups))
	for i, g := range h.groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = g.Loop.Run(ctx)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !types.IsErrCode(err, types.ErrCodeCanceled) {
			return types.WrapError(types.ErrCodeInternal, fmt.Sprintf("group %s stopped", h.groups[i].Name), err)
		}
	}
	return nil
}

// Close tears down every context, delivers the resulting notifications and
// stops the broker. No loop may be running.
func (h *Host) Close() error {
	if h.closed {
		return types.NewError(types.ErrCodeInvalid, "host already closed")
	}
	h.closed = true

	// Groups close one at a time so channels opened by a teardown callback
	// still reach groups that are not torn down yet.
	for _, g := range h.groups {
		if err := g.Registry.Close(); err != nil {
			h.logger.Warn("Failed to close registry", "group", g.Name, "error", err)
		}
		h.RunUntilIdle()
	}

	for _, g := range h.groups {
		h.logger.Info("Process group stopped",
			"group", g.Name,
			"dispatcher", g.Dispatcher.Stats().String(),
			"client", g.Client.Stats().String())
		if err := g.Loop.Close(); err != nil {
			h.logger.Warn("Failed to close loop", "group", g.Name, "error", err)
		}
	}

	h.logger.Info("Host closed", "broker", h.broker.Stats().String())
	return h.broker.Close()
}
