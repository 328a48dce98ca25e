package boardclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/tablutboard/internal/session"
)

// ErrChannelClosed is returned by Next once the channel has stopped.
var ErrChannelClosed = errors.New("channel closed")

// Channel receives game updates pushed over /channel.
type Channel struct {
	conn    *websocket.Conn
	updates chan session.Update

	pingInterval time.Duration

	mu     sync.Mutex
	err    error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialChannel connects to wsURL (see Client.ChannelURL) and starts reading updates.
func DialChannel(ctx context.Context, wsURL string) (*Channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, err
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	ch := &Channel{
		conn:         conn,
		updates:      make(chan session.Update, 16),
		pingInterval: 30 * time.Second,
		cancel:       rootCancel,
	}
	ch.wg.Add(2)
	go ch.listen(rootCtx)
	go ch.pingLoop(rootCtx)
	return ch, nil
}

// Next blocks until an update arrives, the channel fails or ctx is done.
func (ch *Channel) Next(ctx context.Context) (session.Update, error) {
	select {
	case <-ctx.Done():
		return session.Update{}, ctx.Err()
	case u, ok := <-ch.updates:
		if !ok {
			return session.Update{}, ch.closeErr()
		}
		return u, nil
	}
}

func (ch *Channel) Close() error {
	ch.cancel()
	err := ch.conn.Close(websocket.StatusNormalClosure, "close")
	ch.wg.Wait()
	return err
}

func (ch *Channel) listen(ctx context.Context) {
	defer ch.wg.Done()
	defer close(ch.updates)
	for {
		var u session.Update
		if err := wsjson.Read(ctx, ch.conn, &u); err != nil {
			ch.setErr(err)
			return
		}
		select {
		case ch.updates <- u:
		case <-ctx.Done():
			return
		}
	}
}

func (ch *Channel) pingLoop(ctx context.Context) {
	defer ch.wg.Done()
	t := time.NewTicker(ch.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := ch.conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				ch.setErr(err)
				_ = ch.conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (ch *Channel) setErr(err error) {
	ch.mu.Lock()
	if ch.err == nil {
		ch.err = err
	}
	ch.mu.Unlock()
}

func (ch *Channel) closeErr() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.err != nil {
		return errors.Join(ErrChannelClosed, ch.err)
	}
	return ErrChannelClosed
}
