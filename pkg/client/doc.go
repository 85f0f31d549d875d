/*
Package client is a Go client for the Warlock protocol.

Dial opens a TCP connection, performs the WebSocket upgrade with the
Warlock headers and waits for the server's INIT packet:

	c, err := client.Dial(ctx, "localhost:13080", client.Options{
		Type:      "admin",
		AccessKey: key,
		Name:      "deploy-hook",
	})
	if err != nil {
		return err
	}
	defer c.Close()

Events and replies are read by a background goroutine. EVENT packets are
queued for NextEvent; every other packet is returned by Recv. Call sends a
command and waits for its reply, turning an ERROR about the command into a
*RemoteError:

	if err := c.Subscribe(ctx, "deploy", map[string]any{"env": "prod"}); err != nil {
		return err
	}
	ev, err := c.NextEvent(ctx)

	var count int64
	err = c.KV(ctx, protocol.KVINCR, kv.Request{Key: "builds"}, &count)

Frames sent by the client are masked as RFC 6455 requires.
*/
package client
