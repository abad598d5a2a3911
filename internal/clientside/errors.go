package clientside

import (
	"errors"

	"github.com/kj5hst/airrelay/internal/ring"
)

// Terminal session-end reasons surfaced via Listeners.OnDisconnected and
// returned from Run when auto-reconnect is disabled (spec §7).
var (
	errDisconnected        = errors.New("clientside: peer sent DISCONNECT")
	errConnectionTimedOut  = errors.New("clientside: connection idle timeout")
)

func errProtocol(text string) error {
	if text == "" {
		return errors.New("clientside: peer sent ERROR")
	}
	return errors.New("clientside: peer sent ERROR: " + text)
}

func (c *ClientCore) rxBufSnapshot() *ring.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxBuf
}

func (c *ClientCore) txBufSnapshot() *ring.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txBuf
}
