package dispatch

import (
	"context"
	"fmt"
	"io"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/exchange"
)

// WriteFunc puts a rendered response on the wire in the façade's protocol.
type WriteFunc func(resp *exchange.Response) error

// Deliver writes resp and reports the outcome on the returned channel,
// which always receives exactly one value.
//
// Deferred content never blocks the caller. With a dst writer the head and
// rendered body are written first and the stream is copied to dst by a
// continuation. Without one the continuation reads the stream into the body
// before writing, which suits message protocols. Continuations do not run
// once c has closed.
func (d *Dispatcher) Deliver(c *conn.Conn, req *exchange.Request, resp *exchange.Response, write WriteFunc, dst io.Writer) <-chan error {
	done := make(chan error, 1)
	finish := func(err error) {
		if err != nil {
			c.Logger().Debug("response not delivered", "request", req.ID, "error", err)
		} else {
			d.phase(PhaseWritten, req)
		}
		done <- err
	}

	if !resp.Streaming() {
		finish(write(resp))
		return done
	}

	stream := resp.Stream
	if dst != nil {
		if err := write(resp); err != nil {
			_ = stream.Close()
			finish(err)
			return done
		}
	}

	started := c.Go(func(ctx context.Context) {
		defer stream.Close()
		if dst == nil {
			if _, err := resp.Body.ReadFrom(ctxReader{ctx: ctx, r: stream}); err != nil {
				finish(fmt.Errorf("read stream: %w", err))
				return
			}
			resp.Stream = nil
			resp.StreamSize = -1
			finish(write(resp))
			return
		}
		if _, err := io.Copy(dst, ctxReader{ctx: ctx, r: stream}); err != nil {
			finish(fmt.Errorf("copy stream: %w", err))
			return
		}
		finish(nil)
	})
	if !started {
		_ = stream.Close()
		finish(conn.ErrClosed)
	}
	return done
}

// Handle runs one full cycle for req on c: dispatch and deliver, serialized
// with the connection's other cycles. A request whose ctx is done by the
// time its turn comes is not dispatched; the channel carries ctx's error.
// Handle blocks until the turn is taken.
func (d *Dispatcher) Handle(ctx context.Context, c *conn.Conn, req *exchange.Request, write WriteFunc, dst io.Writer) <-chan error {
	var done <-chan error
	err := c.Serialize(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp := d.Dispatch(ctx, c, req)
		done = d.Deliver(c, req, resp, write, dst)
		return nil
	})
	if err != nil {
		ch := make(chan error, 1)
		ch <- err
		return ch
	}
	return done
}

// Materialize reads any deferred content into the body.
func Materialize(resp *exchange.Response) error {
	if !resp.Streaming() {
		return nil
	}
	defer resp.Stream.Close()
	_, err := resp.Body.ReadFrom(resp.Stream)
	resp.Stream = nil
	resp.StreamSize = -1
	return err
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
