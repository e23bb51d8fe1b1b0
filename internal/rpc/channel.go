package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/kernelhost/khost/internal/runtime"
)

// Channel is one fire-and-forget, bidirectional client channel.
type Channel interface {
	ID() string
	Send(ctx context.Context, payload json.RawMessage) error
	// Subscribe registers fn for every inbound payload and returns a func
	// that detaches it.
	Subscribe(fn func(json.RawMessage)) func()
	Close(ctx context.Context) error
}

type sessionChannel struct {
	session runtime.Session
	client  runtime.ClientInstance
}

// SessionChannel adapts a client channel of session to Channel. Inbound
// payloads are the comm data messages addressed to the client's comm.
func SessionChannel(session runtime.Session, client runtime.ClientInstance) Channel {
	return &sessionChannel{session: session, client: client}
}

func (c *sessionChannel) ID() string {
	return c.client.ClientID
}

func (c *sessionChannel) Send(ctx context.Context, payload json.RawMessage) error {
	return c.session.SendClientMessage(ctx, c.client.ClientID, uuid.NewString(), payload)
}

func (c *sessionChannel) Subscribe(fn func(json.RawMessage)) func() {
	commID := c.client.CommID
	if commID == "" {
		commID = c.client.ClientID
	}
	return c.session.OnMessage(func(msg runtime.Message) {
		data, ok := msg.Body.(runtime.CommData)
		if !ok || data.CommID != commID {
			return
		}
		fn(data.Data)
	})
}

func (c *sessionChannel) Close(ctx context.Context) error {
	return c.session.RemoveClient(ctx, c.client.ClientID)
}

// OpenClient returns a channel of clientType on session, reusing the first
// open one so that at most one channel per type is current.
func OpenClient(ctx context.Context, session runtime.Session, clientType runtime.ClientType, params json.RawMessage) (Channel, error) {
	existing, err := session.ListClients(ctx, clientType)
	if err != nil {
		return nil, fmt.Errorf("list %s clients: %w", clientType, err)
	}
	if len(existing) > 0 {
		return SessionChannel(session, existing[0]), nil
	}

	client, err := session.CreateClient(ctx, clientType, params)
	if err != nil {
		return nil, err
	}
	return SessionChannel(session, client), nil
}
