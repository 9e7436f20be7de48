package kernels

import (
	"context"
)

// Unicaster sends a frame to a single peer. Implemented by the hub.
type Unicaster interface {
	SendTo(peerID string, frame []byte) bool
}

// Socket abstracts the kernel channels websocket for testability.
// Production code uses jupyter.ChannelsConn; tests inject fakes.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens the channels websocket for a kernel.
type Dialer func(ctx context.Context, kernelID string) (Socket, error)

// KernelResolver ensures a kernel exists on the Jupyter server, creating
// one when needed. The returned id may differ from the requested one.
type KernelResolver interface {
	EnsureKernel(ctx context.Context, kernelID string) (string, error)
}
