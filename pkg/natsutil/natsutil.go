// Package natsutil provides typed NATS publish/subscribe/request helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// headerCarrier lets the OTel propagator read and write NATS headers.
type headerCarrier nats.Header

func (h headerCarrier) Get(key string) string { return nats.Header(h).Get(key) }
func (h headerCarrier) Set(key, val string)   { nats.Header(h).Set(key, val) }
func (h headerCarrier) Keys() []string        { return slices.Collect(maps.Keys(h)) }

// Connect dials url and logs disconnects and reconnects. The connection
// retries forever once established.
func Connect(url, name string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

func encode[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg.Header))
	return msg, nil
}

func decode[T any](msg *nats.Msg) (context.Context, T, error) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, v, err
	}
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), headerCarrier(msg.Header))
	return ctx, v, nil
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := encode(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from NATS message headers and passed to the handler.
// Malformed messages are logged and dropped.
func Subscribe[T any](nc *nats.Conn, subject string, log *slog.Logger, handler func(context.Context, T)) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, v, err := decode[T](msg)
		if err != nil {
			log.Warn("natsutil: dropping malformed message", "subject", msg.Subject, "err", err)
			return
		}
		handler(ctx, v)
	})
}

// RemoteError is a handler error returned through Serve.
type RemoteError struct {
	Subject string
	Msg     string
}

func (e *RemoteError) Error() string { return e.Msg }

// reply is the envelope Serve responds with.
type reply[T any] struct {
	Data  T      `json:"data"`
	Error string `json:"error,omitempty"`
}

// Serve answers requests on subject with handler's result. Handler errors
// travel back to the requester as text.
func Serve[Req, Resp any](nc *nats.Conn, subject string, log *slog.Logger, handler func(context.Context, Req) (Resp, error)) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var out reply[Resp]
		ctx, req, err := decode[Req](msg)
		if err != nil {
			out.Error = "malformed request: " + err.Error()
		} else if out.Data, err = handler(ctx, req); err != nil {
			out.Error = err.Error()
		}
		data, err := json.Marshal(out)
		if err != nil {
			log.Error("natsutil: encode reply", "subject", msg.Subject, "err", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn("natsutil: respond", "subject", msg.Subject, "err", err)
		}
	})
}

// Request sends a JSON-encoded request to a Serve responder and decodes
// the response. Without a ctx deadline it waits nats.DefaultTimeout.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nats.DefaultTimeout)
		defer cancel()
	}
	msg, err := encode(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, err
	}
	var out reply[Resp]
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return zero, err
	}
	if out.Error != "" {
		return zero, &RemoteError{Subject: subject, Msg: out.Error}
	}
	return out.Data, nil
}
