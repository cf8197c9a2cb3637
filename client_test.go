package goshell

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goshell-project/goshell/internal/channel"
	"github.com/goshell-project/goshell/internal/transport"
	"github.com/goshell-project/goshell/internal/wire"
)

func TestNextChannelIDAllocatesSmallestUnused(t *testing.T) {
	c := NewClient(nil)
	c.conns[1] = &connection{id: 1}
	c.conns[2] = &connection{id: 2}

	id, err := c.nextChannelID()
	require.NoError(t, err)
	require.Equal(t, 3, id)

	delete(c.conns, 1)
	id, err = c.nextChannelID()
	require.NoError(t, err)
	require.Equal(t, 1, id)
}

func TestMenuAppliesPreferredCipherAndMac(t *testing.T) {
	c := NewClient(nil)
	c.SetOptions("3des-cbc", "hmac-md5")
	m := c.menu()
	require.Equal(t, "3des-cbc", m.CipherC2S[0])
	require.Equal(t, "hmac-md5", m.MacC2S[0])
}

func TestClassifyKindExtractsTransportErrorKind(t *testing.T) {
	err := &transport.Error{Kind: transport.KindAuth, Fatal: true, Err: errors.New("bad password")}
	require.Equal(t, transport.KindAuth, classifyKind(err))

	require.Equal(t, transport.KindNetwork, classifyKind(errors.New("plain error")))
}

func TestStartIsIdempotentAndCloseIsSafeWithoutStart(t *testing.T) {
	c := NewClient(nil)
	require.NoError(t, c.Close()) // never started

	c.Start()
	c.Start() // second call is a no-op, must not deadlock or panic
	require.NoError(t, c.Close())
}

func TestErrorLogCombinesMultipleCausesIntoOneRecord(t *testing.T) {
	log := newErrorLog()
	log.push(5, transport.KindCrypto, errors.New("mac mismatch"), errors.New("socket reset"))

	records := log.All()
	require.Len(t, records, 1)
	require.Equal(t, 5, records[0].Channel)
	require.Equal(t, transport.KindCrypto, records[0].Kind)
	require.Contains(t, records[0].Message, "mac mismatch")
	require.Contains(t, records[0].Message, "socket reset")
}

func TestErrorLogPushWithNoCausesRecordsNothing(t *testing.T) {
	log := newErrorLog()
	log.push(1, transport.KindNetwork)
	require.Empty(t, log.All())
}

func TestLookupReportsMisuseForUnknownChannel(t *testing.T) {
	c := NewClient(nil)
	_, err := c.lookup(42)
	require.ErrorIs(t, err, ErrMisuse)
}

func TestSendCmdTreatsVanishedConnectionAsComplete(t *testing.T) {
	c := NewClient(nil)
	ch := channel.New(1, channel.ModeExec, func([]byte) error { return nil })
	confirmation := wire.NewWriter().Byte(91).Uint32(1).Uint32(1).Uint32(1 << 20).Uint32(0x4000).Bytes()
	require.NoError(t, ch.HandleOpenConfirmation(confirmation))
	c.conns[1] = &connection{id: 1, ch: ch}

	// Simulate the reactor sweeping the connection out from under a
	// blocked SendCmd caller: this goroutine removes the entry and
	// broadcasts once SendCmd is parked on cond.Wait. SendCmd must then
	// treat the missing entry as completion rather than spinning
	// forever (spec.md §11's "relocate the connection" resolution).
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.mu.Lock()
		delete(c.conns, 1)
		c.mu.Unlock()
		c.cond.Broadcast()
	}()

	require.True(t, c.SendCmd(1, []byte("data"), time.Second))
}
