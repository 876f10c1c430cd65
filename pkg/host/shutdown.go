package host

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates the host is running normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateStopping indicates loops are stopping and contexts are
	// being torn down
	ShutdownStateStopping ShutdownState = "stopping"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// ShutdownManager runs a host's loops and stops them on a signal or an
// explicit Shutdown, then closes the host
type ShutdownManager struct {
	mu              sync.RWMutex
	host            *Host
	state           ShutdownState
	shutdownTimeout time.Duration
	hooks           []ShutdownHook
	logger          *logger.Logger
	signalChan      chan os.Signal
	runCtx          context.Context
	runCancel       context.CancelFunc
	started         bool
	running         bool
	stoppedChan     chan struct{}
	completionChan  chan struct{}
	shutdownReason  string
	initiatedAt     time.Time
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(h *Host, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		host:            h,
		state:           ShutdownStateRunning,
		shutdownTimeout: timeout,
		logger:          logger.OrDefault(log).With("component", "shutdown_manager"),
		signalChan:      make(chan os.Signal, 1),
		runCtx:          ctx,
		runCancel:       cancel,
		stoppedChan:     make(chan struct{}),
		completionChan:  make(chan struct{}),
	}
}

// Start begins listening for SIGINT and SIGTERM
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM)
	sm.started = true
	sm.logger.Info("Shutdown manager started", "timeout", sm.shutdownTimeout)

	go sm.handleSignals()
}

// Stop stops signal handling
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}
	signal.Stop(sm.signalChan)
	sm.started = false
	sm.logger.Debug("Shutdown manager stopped")
}

// Run drives the host's loops until shutdown is initiated. It returns
// immediately if shutdown already began.
func (sm *ShutdownManager) Run() error {
	sm.mu.Lock()
	if sm.running {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "host is already running")
	}
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return nil
	}
	sm.running = true
	sm.mu.Unlock()

	defer close(sm.stoppedChan)
	return sm.host.Run(sm.runCtx)
}

// Shutdown stops the loops, closes the host and runs the hooks
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.shutdownReason = reason
	sm.initiatedAt = time.Now()
	running := sm.running
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	if err := sm.executeHooks(shutdownCtx, "pre-shutdown"); err != nil {
		sm.logger.Error("Pre-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateStopping)
	sm.runCancel()
	if running {
		select {
		case <-sm.stoppedChan:
		case <-shutdownCtx.Done():
			return types.WrapError(types.ErrCodeTimeout, "loops did not stop", shutdownCtx.Err())
		}
	}

	if err := sm.host.Close(); err != nil {
		sm.logger.Error("Host close failed", "error", err)
	}

	if err := sm.executeHooks(shutdownCtx, "post-shutdown"); err != nil {
		sm.logger.Error("Post-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateComplete)
	close(sm.completionChan)

	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(sm.initiatedAt))
	return nil
}

// AddHook adds a hook called before the loops stop and again after the
// host is closed
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.hooks = append(sm.hooks, hook)
	sm.logger.Debug("Shutdown hook registered", "total_hooks", len(sm.hooks))
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// ShutdownReason returns the reason for shutdown
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.shutdownReason
}

// WaitCompletion waits for shutdown to complete
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

func (sm *ShutdownManager) handleSignals() {
	select {
	case sig := <-sm.signalChan:
		sm.logger.Info("Shutdown signal received", "signal", sig)
		if err := sm.Shutdown(context.Background(), fmt.Sprintf("signal received: %s", sig)); err != nil {
			sm.logger.Error("Shutdown failed", "error", err)
		}
	case <-sm.runCtx.Done():
	}
}

func (sm *ShutdownManager) executeHooks(ctx context.Context, phase string) error {
	sm.mu.RLock()
	hooks := append([]ShutdownHook(nil), sm.hooks...)
	sm.mu.RUnlock()

	var errs []error
	for i, hook := range hooks {
		if err := hook(ctx); err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", phase, "hook", i, "error", err)
			errs = append(errs, err)
		}
		if err := ctx.Err(); err != nil {
			return types.WrapError(types.ErrCodeCanceled, "hook execution canceled", err)
		}
	}
	if len(errs) > 0 {
		return types.WrapError(types.ErrCodeInternal, fmt.Sprintf("%d %s hooks failed", len(errs), phase), errs[0])
	}
	return nil
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.logger.Debug("Shutdown state changed", "state", state)
}

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}
