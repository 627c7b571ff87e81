// Package pulsestream fans task and crew execution events out over Pulse
// streams (goa.design/pulse/streaming), backing the SSE endpoints named in
// spec §6 (POST /tasks/stream) and crew.ExecuteCrewStream for callers that
// want cross-process or reconnectable event delivery instead of a bare
// in-process channel. Grounded on features/stream/pulse/clients/pulse/client.go's
// layering: callers build a Redis client, pass it to New, and get back a
// typed interface exposing only the operations the sink needs.
package pulsestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Event is one envelope published to a task's stream: the SSE event names
// from spec §6 are "progress", "chunk", and "result".
type Event struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

// Options configures the stream client.
type Options struct {
	// Redis backs the underlying Pulse streams. Required.
	Redis *redis.Client
	// StreamMaxLen bounds entries retained per stream; zero uses Pulse defaults.
	StreamMaxLen int
	// OperationTimeout bounds individual Add calls; zero means no timeout.
	OperationTimeout time.Duration
}

// Client publishes and subscribes to per-task event streams.
type Client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Client backed by the given Redis connection.
func New(opts Options) (*Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulsestream: redis client is required")
	}
	return &Client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

// streamName namespaces a task's stream so unrelated tasks never collide.
func streamName(taskID string) string {
	return "taskcore:task:" + taskID
}

// Publish appends an event to taskID's stream, returning the Redis-assigned
// entry id.
func (c *Client) Publish(ctx context.Context, taskID string, ev Event) (string, error) {
	if taskID == "" {
		return "", errors.New("pulsestream: task id is required")
	}
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return "", fmt.Errorf("pulsestream: encode event: %w", err)
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(streamName(taskID), c.redis, opts...)
	if err != nil {
		return "", fmt.Errorf("pulsestream: open stream: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	id, err := str.Add(ctx, ev.Name, payload)
	if err != nil {
		return "", fmt.Errorf("pulsestream: publish %q: %w", ev.Name, err)
	}
	return id, nil
}

// Subscribe opens a consumer group sink on taskID's stream and returns a
// channel of decoded events, closed when ctx is cancelled or the sink closes.
// sinkName distinguishes independent consumers of the same stream (e.g. one
// per connected SSE client).
func (c *Client) Subscribe(ctx context.Context, taskID, sinkName string) (<-chan Event, error) {
	str, err := streaming.NewStream(streamName(taskID), c.redis)
	if err != nil {
		return nil, fmt.Errorf("pulsestream: open stream: %w", err)
	}
	sink, err := str.NewSink(ctx, sinkName)
	if err != nil {
		return nil, fmt.Errorf("pulsestream: open sink: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sink.Close(context.Background())
		raw := sink.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case se, ok := <-raw:
				if !ok {
					return
				}
				var data any
				_ = json.Unmarshal(se.Payload, &data)
				select {
				case out <- Event{Name: se.EventName, Data: data}:
					_ = sink.Ack(ctx, se)
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Destroy deletes taskID's stream and all buffered events, called once a
// task's result has been delivered to every subscriber and the stream is no
// longer needed.
func (c *Client) Destroy(ctx context.Context, taskID string) error {
	str, err := streaming.NewStream(streamName(taskID), c.redis)
	if err != nil {
		return fmt.Errorf("pulsestream: open stream: %w", err)
	}
	return str.Destroy(ctx)
}
