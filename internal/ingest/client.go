package ingest

import (
	"context"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

// Fetch asks the server at url for its buffered trace and returns it.
// It waits for a reply until ctx is done, since an empty buffer is not
// answered.
func Fetch(ctx context.Context, url string) ([]byte, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(CommandStart)); err != nil {
		return nil, fmt.Errorf("send start: %w", err)
	}
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read trace: %w", err)
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Send streams data to a producer port at addr.
func Send(ctx context.Context, addr string, data []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	n, err := conn.Write(data)
	if err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("wrote %d of %d bytes", n, len(data))
	}
	return nil
}
