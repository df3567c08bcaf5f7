package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/getmockd/portmux/pkg/conn"
)

type connKey struct{}

// WithConn returns ctx carrying c. Handlers served through the façade find
// their connection with ConnFrom.
func WithConn(ctx context.Context, c *conn.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

// ConnFrom returns the connection stored by WithConn.
func ConnFrom(ctx context.Context) (*conn.Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*conn.Conn)
	return c, ok
}

// codec serves one detected connection with net/http.
type codec struct {
	f *Facade
}

func (k *codec) Name() string { return Name }

func (k *codec) Serve(c *conn.Conn) error {
	f := k.f
	srv := &http.Server{
		Handler:           f,
		ReadHeaderTimeout: f.readHeaderTimeout,
		IdleTimeout:       f.idleTimeout,
		ErrorLog:          slog.NewLogLogger(f.log.Handler(), slog.LevelDebug),
		ConnContext: func(ctx context.Context, _ net.Conn) context.Context {
			return WithConn(ctx, c)
		},
	}
	if !f.track(srv) {
		return errShuttingDown
	}
	defer f.untrack(srv)

	err := srv.Serve(&connListener{c: c})
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// connListener hands out its connection once, then blocks until the
// connection closes. net/http closes the connection when it is done with
// it, unless a handler hijacked it.
type connListener struct {
	c     *conn.Conn
	taken atomic.Bool
}

func (l *connListener) Accept() (net.Conn, error) {
	if l.taken.CompareAndSwap(false, true) {
		return l.c, nil
	}
	<-l.c.Closed()
	return nil, net.ErrClosed
}

// Close is a no-op; the connection owns its lifetime.
func (l *connListener) Close() error { return nil }

func (l *connListener) Addr() net.Addr { return l.c.LocalAddr() }
