// Package help looks up and searches help topics over a session's help
// channel.
package help

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kernelhost/khost/internal/logging"
	"github.com/kernelhost/khost/internal/rpc"
	"github.com/kernelhost/khost/internal/runtime"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds help requests.
const DefaultTimeout = 5 * time.Second

const (
	methodShowHelpTopic    = "show_help_topic"
	methodSearchHelpTopics = "search_help_topics"
	eventShowHelp          = "show_help"
)

// ShowHelpEvent asks the host to display help content.
type ShowHelpEvent struct {
	Content string `json:"content"`
	Kind    string `json:"kind"`
	Focus   bool   `json:"focus"`
}

// Options configures a Client.
type Options struct {
	Logger  *log.Logger
	Tracer  trace.Tracer
	Timeout time.Duration
}

// Client drives the help channel. Some help backends nest their result one
// level deeper; both shapes are accepted.
type Client struct {
	handler *rpc.Handler
	logger  *log.Logger
}

// Open returns a Client on session's help channel, reusing an open one.
func Open(ctx context.Context, session runtime.Session, opts Options) (*Client, error) {
	channel, err := rpc.OpenClient(ctx, session, runtime.ClientTypeHelp, nil)
	if err != nil {
		return nil, err
	}
	return New(channel, opts), nil
}

// New binds a Client to channel.
func New(channel rpc.Channel, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := logging.OrDiscard(opts.Logger)
	return &Client{
		handler: rpc.NewHandler(channel,
			rpc.WithTimeout(opts.Timeout),
			rpc.WithUnwrap(rpc.UnwrapIfPresent),
			rpc.WithClientType(string(runtime.ClientTypeHelp)),
			rpc.WithLogger(logger),
			rpc.WithTracer(opts.Tracer),
		),
		logger: logger,
	}
}

// ShowHelpTopic reports whether the backend found and displayed topic.
func (c *Client) ShowHelpTopic(ctx context.Context, topic string) (bool, error) {
	return rpc.Call[bool](ctx, c.handler, methodShowHelpTopic, map[string]string{"topic": topic}, 0)
}

// SearchHelpTopics returns the topics matching query.
func (c *Client) SearchHelpTopics(ctx context.Context, query string) ([]string, error) {
	topics, err := rpc.Call[[]string](ctx, c.handler, methodSearchHelpTopics, map[string]string{"query": query}, 0)
	if err != nil {
		return nil, err
	}
	if topics == nil {
		topics = []string{}
	}
	return topics, nil
}

// OnShowHelp registers fn for show_help pushes. Undecodable pushes are
// dropped.
func (c *Client) OnShowHelp(fn func(ShowHelpEvent)) func() {
	return c.handler.OnEvent(eventShowHelp, func(params json.RawMessage) {
		var event ShowHelpEvent
		if err := json.Unmarshal(params, &event); err != nil {
			c.logger.Warn("dropped show_help event", "error", err)
			return
		}
		fn(event)
	})
}

// Dispose rejects outstanding requests and closes the channel.
func (c *Client) Dispose(ctx context.Context) error {
	return c.handler.Dispose(ctx)
}
