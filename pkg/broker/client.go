package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/baaaht/portmux/internal/config"
	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/loop"
	"github.com/baaaht/portmux/pkg/metrics"
	"github.com/baaaht/portmux/pkg/types"
)

// Client is the process group's side of the broker protocol. It turns
// broker replies into loop tasks and keeps per-owner bookkeeping of
// outstanding id requests. It implements port.Sender.
type Client struct {
	broker      Broker
	loop        *loop.Loop
	logger      *logger.Logger
	metrics     *metrics.Collector
	syncTimeout time.Duration

	pending map[types.OwnerID]int
	stats   ClientStats
}

// ClientStats contains broker client statistics
type ClientStats struct {
	RequestsSent     int64 `json:"requests_sent"`
	SyncRequestsSent int64 `json:"sync_requests_sent"`
	RequestsFailed   int64 `json:"requests_failed"`
	MessagesPosted   int64 `json:"messages_posted"`
	PortsClosed      int64 `json:"ports_closed"`
	PendingRequests  int   `json:"pending_requests"`
}

// String returns a string representation of the stats
func (s ClientStats) String() string {
	return fmt.Sprintf("ClientStats{Requests: %d, Sync: %d, Failed: %d, Posted: %d, Closed: %d, Pending: %d}",
		s.RequestsSent, s.SyncRequestsSent, s.RequestsFailed, s.MessagesPosted, s.PortsClosed, s.PendingRequests)
}

// NewClient creates a broker client whose replies are delivered on l.
// m may be nil.
func NewClient(b Broker, l *loop.Loop, cfg config.MessagingConfig, log *logger.Logger, m *metrics.Collector) (*Client, error) {
	if b == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "broker cannot be nil")
	}
	if l == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "loop cannot be nil")
	}
	timeout := cfg.SyncRequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultSyncRequestTimeout
	}

	return &Client{
		broker:      b,
		loop:        l,
		logger:      logger.OrDefault(log).With("component", "broker_client"),
		metrics:     m,
		syncTimeout: timeout,
		pending:     make(map[types.OwnerID]int),
	}, nil
}

// RequestPortID asks the broker for a global id on behalf of owner. done
// always runs later as a loop task, never from inside this call.
func (c *Client) RequestPortID(owner types.OwnerID, req types.ChannelOpenRequest, done func(types.GlobalPortID, error)) {
	c.pending[owner]++
	c.stats.RequestsSent++
	c.metrics.SetPendingRequests(c.totalPending())

	c.broker.RequestPortID(req, func(id types.GlobalPortID, err error) {
		postErr := c.loop.Post(func() {
			c.settle(owner)
			if err != nil {
				c.stats.RequestsFailed++
				c.logger.Warn("Port id request failed",
					"owner_id", owner,
					"channel", req.ChannelName,
					"error", err)
			}
			done(id, err)
		})
		if postErr != nil {
			c.logger.Debug("Dropped port id reply, loop is closed",
				"owner_id", owner,
				"global_id", id)
		}
	})
}

// RequestPortIDSync asks the broker for a global id and blocks for the reply
func (c *Client) RequestPortIDSync(owner types.OwnerID, req types.ChannelOpenRequest) (types.GlobalPortID, error) {
	c.stats.SyncRequestsSent++

	ctx, cancel := context.WithTimeout(context.Background(), c.syncTimeout)
	defer cancel()

	id, err := c.broker.RequestPortIDSync(ctx, req)
	if err != nil {
		c.stats.RequestsFailed++
		return 0, types.WrapError(types.ErrCodeUnavailable, "synchronous port id request failed", err)
	}

	c.logger.Debug("Port id allocated synchronously",
		"owner_id", owner,
		"channel", req.ChannelName,
		"global_id", id)
	return id, nil
}

func (c *Client) settle(owner types.OwnerID) {
	if c.pending[owner] <= 1 {
		delete(c.pending, owner)
	} else {
		c.pending[owner]--
	}
	c.metrics.SetPendingRequests(c.totalPending())
}

func (c *Client) totalPending() int {
	n := 0
	for _, count := range c.pending {
		n += count
	}
	return n
}

// PendingRequests returns the number of outstanding id requests for owner
func (c *Client) PendingRequests(owner types.OwnerID) int {
	return c.pending[owner]
}

// PostMessage implements port.Sender
func (c *Client) PostMessage(id types.GlobalPortID, msg types.Message) {
	c.stats.MessagesPosted++
	c.metrics.MessagePosted()
	c.broker.PostMessage(id, msg)
}

// ClosePort implements port.Sender
func (c *Client) ClosePort(id types.GlobalPortID, force bool) {
	c.stats.PortsClosed++
	c.logger.Debug("Closing port", "global_id", id, "force", force)
	c.broker.ClosePort(id, force)
}

// Stats returns client statistics
func (c *Client) Stats() ClientStats {
	stats := c.stats
	stats.PendingRequests = c.totalPending()
	return stats
}
