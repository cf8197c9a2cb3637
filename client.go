// Package goshell is the public library surface: a multi-connection
// SSH-2 client core built from the internal wire/algo/sshcrypto/
// transport/channel packages, plus the Connection Registry and Select
// Loop (spec.md §4.E) that lets one process drive many concurrent
// sessions from a single background reactor.
package goshell

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/goshell-project/goshell/internal/algo"
	"github.com/goshell-project/goshell/internal/sshcrypto"
	"github.com/goshell-project/goshell/internal/transport"
)

// reactorStep and reactorIdleSleep mirror spec.md §4.E's select
// timeout (10ms when there is work) and sleep (1ms when idle).
const (
	reactorStep       = 10 * time.Millisecond
	reactorIdleSleep  = time.Millisecond
	maxChannelID      = 1<<31 - 1
)

// Client is the Library Context spec.md §9's REDESIGN FLAGS call for:
// an explicit, freely instantiable object replacing the source's
// global statics (running/rng/errs/PREFERED_CIPHER/PREFERED_MAC). It
// owns the shared RNG, the preferred-cipher/MAC override, the
// Connection Registry, and the error log.
type Client struct {
	mu   sync.Mutex
	cond *sync.Cond

	rng             *sshcrypto.LockedRNG
	preferredCipher string
	preferredMac    string

	conns  map[int]*connection
	errLog *ErrorLog

	log     *logrus.Entry
	running bool
	eg      *errgroup.Group
	cancel  context.CancelFunc
}

// NewClient constructs a Library Context. Multiple Clients may coexist
// in one process — spec.md §9 permits relaxing the "at most one
// instance" rule since the Context is now explicit rather than global.
func NewClient(log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		rng:    sshcrypto.NewLockedRNG(),
		conns:  make(map[int]*connection),
		errLog: newErrorLog(),
		log:    log,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the background reactor. Calling Start twice is a
// no-op.
func (c *Client) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	eg, _ := errgroup.WithContext(ctx)
	c.eg = eg
	eg.Go(func() error {
		c.reactorLoop(ctx)
		return nil
	})
}

// Close stops the reactor, closes every live connection, and joins
// the reactor goroutine via errgroup — the idiomatic-Go replacement
// for the source's "set running=false, join the thread" shutdown.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	ids := make([]int, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		_ = c.CloseChannel(id)
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.cond.Broadcast()
	if c.eg != nil {
		return c.eg.Wait()
	}
	return nil
}

// SetOptions sets the process-scoped preferred cipher/MAC override
// (spec.md §6): if set, the name is hoisted to the head of every
// subsequently negotiated menu.
func (c *Client) SetOptions(preferredCipher, preferredMac string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preferredCipher = preferredCipher
	c.preferredMac = preferredMac
}

// Errors returns every record logged so far.
func (c *Client) Errors() []ErrorRecord {
	return c.errLog.All()
}

func (c *Client) menu() algo.Menu {
	c.mu.Lock()
	defer c.mu.Unlock()
	return algo.Default().WithPreference(c.preferredCipher, c.preferredMac)
}

// nextChannelID returns the smallest unused positive integer, capped
// at 2^31-1, per spec.md §3's channel-id allocation rule.
func (c *Client) nextChannelID() (int, error) {
	for id := 1; id <= maxChannelID; id++ {
		if _, taken := c.conns[id]; !taken {
			return id, nil
		}
	}
	return 0, fmt.Errorf("goshell: channel id space exhausted")
}

// reactorLoop implements spec.md §4.E's reactor: flush/poll every
// registered connection, dispatch inbound bytes, then mark-then-sweep
// finished or errored connections. net.Conn exposes no fd to
// multiplex with a real select(2) call, so each Transport is instead
// polled in turn with a short read deadline (SPEC_FULL.md §6.D).
func (c *Client) reactorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			return
		}
		snapshot := make([]*connection, 0, len(c.conns))
		for _, conn := range c.conns {
			snapshot = append(snapshot, conn)
		}
		c.mu.Unlock()

		if len(snapshot) == 0 {
			time.Sleep(reactorIdleSleep)
			continue
		}

		var toRemove []int
		for _, conn := range snapshot {
			if conn.tp.NeedsRekey() && conn.tp.State() == transport.StateAuthenticated {
				if err := conn.tp.Rekey(time.Now().Add(5 * time.Second)); err != nil {
					c.errLog.push(conn.id, classifyKind(err), err)
					toRemove = append(toRemove, conn.id)
					continue
				}
			}
			deadline := time.Now().Add(reactorStep)
			if err := conn.tp.Step(deadline); err != nil {
				c.errLog.push(conn.id, classifyKind(err), err)
				toRemove = append(toRemove, conn.id)
				continue
			}
			if conn.ch.Complete() {
				toRemove = append(toRemove, conn.id)
			}
		}

		if len(toRemove) > 0 {
			c.mu.Lock()
			for _, id := range toRemove {
				if conn, ok := c.conns[id]; ok {
					conn.tp.Close(transport.DisconnectByApplication, "connection finished")
					delete(c.conns, id)
				}
			}
			c.mu.Unlock()
		}
		c.cond.Broadcast()
	}
}

func classifyKind(err error) ErrorKind {
	if te, ok := err.(*transport.Error); ok {
		return te.Kind
	}
	return transport.KindNetwork
}
