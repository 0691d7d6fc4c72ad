package server

import (
	"context"
	"errors"
	"net"
	"sync"

	logger "github.com/sirupsen/logrus"
)

// serveListener accepts connections until ctx is canceled or the listener
// fails, running handle for each one. Canceling ctx also closes every open
// connection, so handlers blocked on a client read return; serveListener
// waits for them before returning.
func serveListener(ctx context.Context, ln net.Listener, name string, handle func(context.Context, net.Conn)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	logger.Infof("[%s] listening on %s", name, ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			stopConn := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stopConn()
			handle(ctx, conn)
		}()
	}
}
