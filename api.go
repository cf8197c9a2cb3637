package goshell

import (
	"fmt"
	"time"

	"github.com/pkg/sftp"

	"github.com/goshell-project/goshell/internal/channel"
	"github.com/goshell-project/goshell/internal/keys"
	"github.com/goshell-project/goshell/internal/sftpsub"
	"github.com/goshell-project/goshell/internal/transport"
)

// ErrMisuse reports spec.md §7's Misuse kind: bad channel id, SFTP
// called before init, or similar caller error. Non-fatal — the call
// simply fails.
var ErrMisuse = fmt.Errorf("goshell: misuse")

// ConnectWithPassword opens a new Connection authenticated with a
// password, per spec.md §6. shell selects an interactive pty+shell
// channel; when false and cmd is non-empty, an exec channel runs cmd
// instead.
func (c *Client) ConnectWithPassword(host string, port int, user, password string, shell bool, cmd string, timeout time.Duration) (int, error) {
	return c.connect(host, port, timeout, shell, cmd, func(tp *transport.Transport) error {
		if err := tp.RequestUserAuthService(); err != nil {
			return err
		}
		return tp.AuthenticatePassword(user, password)
	})
}

// ConnectWithKey opens a new Connection authenticated with a private
// key file (RSA, DSA, or Ed25519).
func (c *Client) ConnectWithKey(host string, port int, user, privKeyPath string, passphrase []byte, shell bool, cmd string, timeout time.Duration) (int, error) {
	return c.connect(host, port, timeout, shell, cmd, func(tp *transport.Transport) error {
		key, err := loadPrivateKey(privKeyPath, passphrase)
		if err != nil {
			return &transport.Error{Kind: transport.KindAuth, Fatal: true, Err: err}
		}
		if err := tp.RequestUserAuthService(); err != nil {
			return err
		}
		return tp.AuthenticatePublicKey(user, key)
	})
}

func (c *Client) connect(host string, port int, timeout time.Duration, shell bool, cmd string, authenticate func(*transport.Transport) error) (int, error) {
	tp, err := c.dialAndHandshake(host, port, timeout)
	if err != nil {
		return -1, err
	}
	if err := authenticate(tp); err != nil {
		tp.Close(transport.DisconnectByApplication, "auth failed")
		return -1, err
	}

	c.mu.Lock()
	id, err := c.nextChannelID()
	if err != nil {
		c.mu.Unlock()
		tp.Close(transport.DisconnectByApplication, "channel id space exhausted")
		return -1, err
	}
	c.mu.Unlock()

	mode := channel.ModeExec
	if shell {
		mode = channel.ModeShell
	}
	ch, err := c.setupChannel(tp, id, mode, cmd, "")
	if err != nil {
		tp.Close(transport.DisconnectByApplication, "channel setup failed")
		return -1, err
	}

	conn := &connection{id: id, tp: tp, ch: ch, log: c.log.WithField("channel", id)}
	c.wireDispatch(conn)

	c.mu.Lock()
	c.conns[id] = conn
	c.mu.Unlock()

	return id, nil
}

func (c *Client) lookup(channelID int) (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[channelID]
	if !ok {
		return nil, ErrMisuse
	}
	return conn, nil
}

// Send writes data to the given channel, framed as one or more
// CHANNEL_DATA messages.
func (c *Client) Send(channelID int, data []byte) error {
	conn, err := c.lookup(channelID)
	if err != nil {
		return err
	}
	return conn.ch.SendData(data)
}

// SendCmd sends data then blocks until the channel reports completion
// (EOF, CLOSE, or exit-status) or timeout elapses. timeout==0 waits
// forever.
func (c *Client) SendCmd(channelID int, data []byte, timeout time.Duration) bool {
	if err := c.Send(channelID, data); err != nil {
		return false
	}
	deadline := time.Now().Add(timeout)
	if timeout != 0 {
		// Wake this waiter once its deadline passes, even if nothing
		// else broadcasts on c.cond in the meantime.
		timer := time.AfterFunc(timeout, func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer timer.Stop()
	}
	for {
		c.mu.Lock()
		conn, ok := c.conns[channelID]
		if !ok {
			// Relocated: the connection may have been swept by the
			// reactor between our lock releases (spec.md §11's
			// resolution of the source's loop-index reuse).
			c.mu.Unlock()
			return true
		}
		if conn.ch.Complete() {
			c.mu.Unlock()
			return true
		}
		if timeout != 0 && time.Now().After(deadline) {
			c.mu.Unlock()
			return false
		}
		c.cond.Wait()
		c.mu.Unlock()
	}
}

// Read returns a copy of the channel's receive buffer.
func (c *Client) Read(channelID int) ([]byte, error) {
	conn, err := c.lookup(channelID)
	if err != nil {
		return nil, err
	}
	return conn.ch.Snapshot(), nil
}

// GetReceivedSize returns the number of bytes currently buffered for
// the channel.
func (c *Client) GetReceivedSize(channelID int) (int, error) {
	conn, err := c.lookup(channelID)
	if err != nil {
		return 0, err
	}
	return conn.ch.ReceivedSize(), nil
}

// WaitFor polls the channel's receive buffer until pattern appears or
// timeout elapses (timeout==0 waits forever).
func (c *Client) WaitFor(channelID int, pattern string, timeout time.Duration) bool {
	conn, err := c.lookup(channelID)
	if err != nil {
		return false
	}
	return conn.ch.WaitFor(pattern, timeout, time.Millisecond)
}

// CloseChannel sends CHANNEL_CLOSE and removes the connection from the
// registry. The channel id becomes invalid immediately.
func (c *Client) CloseChannel(channelID int) error {
	conn, err := c.lookup(channelID)
	if err != nil {
		return err
	}
	closeErr := conn.ch.Close()
	conn.extraMu.Lock()
	for _, extraCh := range conn.extra {
		_ = extraCh.Close()
	}
	conn.extraMu.Unlock()
	tpErr := conn.tp.Close(transport.DisconnectByApplication, "closed by caller")

	c.mu.Lock()
	delete(c.conns, channelID)
	c.mu.Unlock()
	c.cond.Broadcast()

	if closeErr != nil {
		return closeErr
	}
	return tpErr
}

// InitSftp completes an SFTP subsystem handshake on a fresh channel
// belonging to the same underlying connection as channelID, and
// returns a *sftp.Client riding on it (spec.md §4.D's SFTP hook,
// internal/sftpsub's wiring).
func (c *Client) InitSftp(channelID int) (*sftp.Client, error) {
	conn, err := c.lookup(channelID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	sftpID, err := c.nextChannelID()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sftpChan, err := c.setupChannel(conn.tp, sftpID, channel.ModeSubsystem, "", "sftp")
	if err != nil {
		return nil, err
	}
	conn.addExtra(sftpChan)
	return sftpsub.Open(sftpChan.Stream())
}

// GenerateKeyPair delegates to internal/keys — the Key-Pair Generator
// boundary of spec.md §4.F.
func (c *Client) GenerateKeyPair(algo keys.Algorithm, comment, privPath, pubPath string, bits int) error {
	return keys.Generate(algo, comment, privPath, pubPath, bits)
}
