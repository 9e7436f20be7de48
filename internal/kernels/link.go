package kernels

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// pingInterval is how often a link's keepalive ping runs.
const pingInterval = 30 * time.Second

// link is the gateway's single outbound connection to one kernel's
// channels endpoint, shared by every instance bound to that kernel.
// It has exactly one reader goroutine and one serialized writer.
type link struct {
	kernelID string
	sock     Socket
	queue    *sendQueue
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	// instances holds the instance ids sharing this link. Guarded by the
	// bridge mutex, not by the link.
	instances map[string]struct{}
}

func newLink(parent context.Context, kernelID string, sock Socket, queueSize int, logger *slog.Logger) *link {
	ctx, cancel := context.WithCancel(parent)
	return &link{
		kernelID:  kernelID,
		sock:      sock,
		queue:     newSendQueue(queueSize),
		log:       logger.With("kernel_id", kernelID),
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[string]struct{}),
	}
}

// send queues a message for the writer goroutine. The writer serializes
// all sends so two frames never interleave on the wire.
func (l *link) send(data []byte, request bool) error {
	return l.queue.push(outbound{data: data, request: request})
}

// close cancels the reader/writer and closes the socket. Idempotent.
func (l *link) close() {
	l.closeOnce.Do(func() {
		l.cancel()
		if err := l.sock.Close(); err != nil {
			l.log.Debug("closing kernel socket", "error", err)
		}
		l.log.Info("kernel link closed")
	})
}

// writeLoop drains the send queue onto the socket. A write error tears
// the link down via lost.
func (l *link) writeLoop(lost func(*link, error)) {
	for {
		o, ok := l.queue.pop(l.ctx)
		if !ok {
			return
		}
		if err := l.sock.Write(l.ctx, o.data); err != nil {
			if l.ctx.Err() == nil {
				lost(l, err)
			}
			return
		}
	}
}

// pingLoop keeps the websocket alive and detects dead kernels between
// messages.
func (l *link) pingLoop(lost func(*link, error)) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.sock.Ping(l.ctx); err != nil {
				if l.ctx.Err() == nil {
					lost(l, err)
				}
				return
			}
		case <-l.ctx.Done():
			return
		}
	}
}
