package chat

import (
	"context"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/internal/network/session"
	"github.com/lk2023060901/chatrelay-go/pkg/log"
	"github.com/lk2023060901/chatrelay-go/pkg/metrics"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
	"github.com/lk2023060901/chatrelay-go/pkg/util/typeutil"
)

// Directory 为 Router 查找收件人的接口，由 session.Registry 实现。
type Directory interface {
	Lookup(identity string) (session.Session, error)
	Snapshot() []session.Session
}

// Result 为一次路由的逐收件人结果。
type Result struct {
	Seq       uint64
	Delivered []Identity
	Offline   []Identity
	// Failed 为入队失败的收件人，其连接已被关闭。
	Failed map[Identity]error
}

// FailedIdentities 返回 Failed 中的身份（升序）。
func (r *Result) FailedIdentities() []Identity {
	ids := lo.Keys(r.Failed)
	slices.Sort(ids)
	return ids
}

func (r *Result) fail(identity Identity, err error) {
	if r.Failed == nil {
		r.Failed = make(map[Identity]error)
	}
	r.Failed[identity] = err
}

// RouterOption 配置 Router。
type RouterOption func(r *Router)

// WithClock 替换时间源。
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		r.now = now
	}
}

// WithTracer 替换 tracer，默认使用全局 TracerProvider。
func WithTracer(tracer trace.Tracer) RouterOption {
	return func(r *Router) {
		r.tracer = tracer
	}
}

// Router 将消息投递到收件人连接的投递队列。
//
// 同一发送者的 Publish 串行执行：序号分配与全部收件人的入队在同一把发送者锁内完成，
// 因此任一收件人看到的同一发送者消息顺序与序号顺序一致。不同发送者之间并行。
type Router struct {
	dir    Directory
	seq    *Sequencer
	tracer trace.Tracer
	now    func() time.Time
}

func NewRouter(dir Directory, opts ...RouterOption) *Router {
	r := &Router{
		dir:    dir,
		seq:    NewSequencer(),
		tracer: otel.Tracer("chatrelay/chat"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sequencer 返回发号器。
func (r *Router) Sequencer() *Sequencer {
	return r.seq
}

// Publish 为客户端提交的消息分配序号并路由。
//
// 定向消息的收件人不在线时返回 ErrRouteRecipientOffline，入队失败时返回对应错误；
// 广播不会因为个别收件人失败而返回错误，结果见 Result。
// 校验失败的消息不分配序号。
func (r *Router) Publish(ctx context.Context, msg *Message) (*Result, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	var (
		res *Result
		err error
	)
	r.seq.With(msg.Sender, func(seq uint64) {
		msg.Seq = seq
		msg.Timestamp = r.now()
		res, err = r.Route(ctx, msg)
	})
	return res, err
}

// Route 按消息当前的 Seq 投递，不分配序号。
func (r *Router) Route(ctx context.Context, msg *Message) (*Result, error) {
	_, span := r.tracer.Start(ctx, "chat.route", trace.WithAttributes(
		attribute.String("sender", msg.Sender),
		attribute.String("recipient", msg.Recipient),
		attribute.String("kind", string(msg.Kind)),
		attribute.Int64("seq", int64(msg.Seq)),
	))
	defer span.End()

	start := time.Now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}

	env := msg.Envelope()
	res := &Result{Seq: msg.Seq}
	var err error

	if msg.IsBroadcast() {
		r.broadcast(msg, env, res)
	} else {
		err = r.direct(msg, env, res)
	}

	kind := string(msg.Kind)
	metrics.RouteLatency.WithLabelValues(kind).Observe(float64(time.Since(start).Microseconds()) / 1000)
	metrics.MessagesRouted.WithLabelValues(kind, metrics.OutcomeDelivered).Add(float64(len(res.Delivered)))
	metrics.MessagesRouted.WithLabelValues(kind, metrics.OutcomeOffline).Add(float64(len(res.Offline)))
	metrics.MessagesRouted.WithLabelValues(kind, metrics.OutcomeFailed).Add(float64(len(res.Failed)))

	span.SetAttributes(
		attribute.Int("delivered", len(res.Delivered)),
		attribute.Int("offline", len(res.Offline)),
		attribute.Int("failed", len(res.Failed)),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Ctx(ctx).RatedDebug(10, "route failed",
			zap.String("sender", msg.Sender),
			zap.String("recipient", msg.Recipient),
			zap.Uint64("seq", msg.Seq),
			zap.Error(err))
	}
	return res, err
}

func (r *Router) direct(msg *Message, env *protocol.Envelope, res *Result) error {
	sess, err := r.dir.Lookup(msg.Recipient)
	if err != nil {
		res.Offline = append(res.Offline, msg.Recipient)
		return merr.WrapErrRouteRecipientOffline(msg.Recipient)
	}
	if err := deliverTo(msg.Recipient, sess, env, res); err != nil {
		if errors.Is(err, merr.ErrConnClosed) {
			return merr.WrapErrRouteRecipientOffline(msg.Recipient, "closed during delivery")
		}
		return err
	}
	return nil
}

// broadcast 基于调用时刻的快照投递，遍历期间的上下线不影响本次结果。
func (r *Router) broadcast(msg *Message, env *protocol.Envelope, res *Result) {
	snapshot := lo.KeyBy(r.dir.Snapshot(), func(sess session.Session) Identity {
		return sess.Identity()
	})

	var targets []Identity
	if len(msg.Audience) == 0 {
		targets = lo.Keys(snapshot)
		slices.Sort(targets)
	} else {
		targets = typeutil.Sorted(typeutil.NewSet(msg.Audience...))
	}

	for _, identity := range targets {
		if identity == msg.Sender || identity == "" {
			continue
		}
		sess, ok := snapshot[identity]
		if !ok {
			res.Offline = append(res.Offline, identity)
			continue
		}
		_ = deliverTo(identity, sess, env, res)
	}
}

func deliverTo(identity Identity, sess session.Session, env *protocol.Envelope, res *Result) error {
	err := sess.Deliver(env)
	switch {
	case err == nil:
		res.Delivered = append(res.Delivered, identity)
	case errors.Is(err, merr.ErrConnClosed):
		res.Offline = append(res.Offline, identity)
	default:
		res.fail(identity, err)
	}
	return err
}
