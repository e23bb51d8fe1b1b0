// Package variables inspects the variables of a running session over its
// variables channel.
package variables

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

const (
	// DefaultTimeout bounds list, clear and delete requests.
	DefaultTimeout = 5 * time.Second
	// InspectTimeout bounds requests that walk or render a value.
	InspectTimeout = 30 * time.Second
)

const (
	methodList    = "list"
	methodInspect = "inspect"
	methodView    = "view"
	methodClear   = "clear"
	methodDelete  = "delete"
	eventUpdate   = "update"
	eventRefresh  = "refresh"
)

// Variable is one entry in a variable tree.
type Variable struct {
	AccessKey    string `json:"access_key" yaml:"access_key"`
	DisplayName  string `json:"display_name" yaml:"display_name"`
	DisplayValue string `json:"display_value" yaml:"display_value"`
	DisplayType  string `json:"display_type" yaml:"display_type"`
	TypeInfo     string `json:"type_info,omitempty" yaml:"type_info,omitempty"`
	Kind         string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Length       int    `json:"length" yaml:"length"`
	Size         int64  `json:"size" yaml:"size"`
	HasChildren  bool   `json:"has_children" yaml:"has_children"`
	HasViewer    bool   `json:"has_viewer" yaml:"has_viewer"`
	IsTruncated  bool   `json:"is_truncated" yaml:"is_truncated"`
	UpdatedTime  int64  `json:"updated_time,omitempty" yaml:"updated_time,omitempty"`
}

// List is the full top-level variable listing.
type List struct {
	Variables []Variable `json:"variables" yaml:"variables"`
	Length    int        `json:"length" yaml:"length"`
	Version   int64      `json:"version" yaml:"version"`
}

// Inspection holds the children of one variable.
type Inspection struct {
	Children []Variable `json:"children"`
	Length   int        `json:"length"`
}

// UpdateEvent is an incremental change pushed by the kernel.
type UpdateEvent struct {
	Assigned    []Variable `json:"assigned"`
	Unevaluated []Variable `json:"unevaluated,omitempty"`
	Removed     []string   `json:"removed"`
	Version     int64      `json:"version"`
}

// RefreshEvent replaces the whole listing.
type RefreshEvent struct {
	Variables []Variable `json:"variables"`
	Length    int        `json:"length"`
	Version   int64      `json:"version"`
}

// Options configures a Client.
type Options struct {
	Logger         *log.Logger
	Tracer         trace.Tracer
	Timeout        time.Duration
	InspectTimeout time.Duration
}

// Client drives the variables channel.
type Client struct {
	handler        *rpc.Handler
	logger         *log.Logger
	inspectTimeout time.Duration
}

// Open returns a Client on session's variables channel, reusing an open one.
func Open(ctx context.Context, session runtime.Session, opts Options) (*Client, error) {
	channel, err := rpc.OpenClient(ctx, session, runtime.ClientTypeVariables, nil)
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
	if opts.InspectTimeout <= 0 {
		opts.InspectTimeout = InspectTimeout
	}
	logger := logging.OrDiscard(opts.Logger)
	return &Client{
		handler: rpc.NewHandler(channel,
			rpc.WithTimeout(opts.Timeout),
			rpc.WithUnwrap(rpc.UnwrapNone),
			rpc.WithClientType(string(runtime.ClientTypeVariables)),
			rpc.WithLogger(logger),
			rpc.WithTracer(opts.Tracer),
		),
		logger:         logger,
		inspectTimeout: opts.InspectTimeout,
	}
}

// List returns every top-level variable.
func (c *Client) List(ctx context.Context) (List, error) {
	list, err := rpc.Call[List](ctx, c.handler, methodList, struct{}{}, 0)
	if err != nil {
		return List{}, err
	}
	if list.Variables == nil {
		list.Variables = []Variable{}
	}
	return list, nil
}

// Inspect returns the children of the variable at path, a list of access
// keys from the root.
func (c *Client) Inspect(ctx context.Context, path []string) (Inspection, error) {
	inspection, err := rpc.Call[Inspection](ctx, c.handler, methodInspect, pathParams{Path: path}, c.inspectTimeout)
	if err != nil {
		return Inspection{}, err
	}
	if inspection.Children == nil {
		inspection.Children = []Variable{}
	}
	return inspection, nil
}

// View opens a viewer for the variable at path and returns the viewer's
// comm ID. An empty ID means no viewer was opened.
func (c *Client) View(ctx context.Context, path []string) (string, error) {
	viewerID, err := rpc.Call[*string](ctx, c.handler, methodView, pathParams{Path: path}, c.inspectTimeout)
	if err != nil || viewerID == nil {
		return "", err
	}
	return *viewerID, nil
}

// Clear removes every variable, including hidden ones when includeHidden
// is set. The kernel follows up with a refresh push.
func (c *Client) Clear(ctx context.Context, includeHidden bool) error {
	_, err := c.handler.Request(ctx, methodClear, map[string]bool{"include_hidden_objects": includeHidden}, 0)
	return err
}

// Delete removes the named variables and returns the names actually removed.
func (c *Client) Delete(ctx context.Context, names []string) ([]string, error) {
	removed, err := rpc.Call[[]string](ctx, c.handler, methodDelete, map[string][]string{"names": names}, 0)
	if err != nil {
		return nil, err
	}
	if removed == nil {
		removed = []string{}
	}
	return removed, nil
}

// OnUpdate registers fn for incremental update pushes.
func (c *Client) OnUpdate(fn func(UpdateEvent)) func() {
	return onEvent(c, eventUpdate, fn)
}

// OnRefresh registers fn for full refresh pushes.
func (c *Client) OnRefresh(fn func(RefreshEvent)) func() {
	return onEvent(c, eventRefresh, fn)
}

// Dispose rejects outstanding requests and closes the channel.
func (c *Client) Dispose(ctx context.Context) error {
	return c.handler.Dispose(ctx)
}

type pathParams struct {
	Path []string `json:"path"`
}

func onEvent[T any](c *Client, method string, fn func(T)) func() {
	return c.handler.OnEvent(method, func(params json.RawMessage) {
		var event T
		if err := json.Unmarshal(params, &event); err != nil {
			c.logger.Warn("dropped variables event", "method", method, "error", err)
			return
		}
		fn(event)
	})
}
