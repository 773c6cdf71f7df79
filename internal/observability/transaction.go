package observability

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

type txnState struct {
	txn  domain.Transaction
	span trace.Span
	seq  uint64
}

// frame is one entry of a context's transaction stack. Frames are
// immutable; pushing derives a new context.
type frame struct {
	state      *txnState
	parent     *frame
	parentSpan trace.Span
}

type frameKey struct{}
type userKey struct{}

func frameFrom(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

// StartTransaction opens a transaction nested under ctx's current one and
// returns the derived context and the new id. The transaction's span is a
// child of ctx's current span.
func (c *Context) StartTransaction(ctx context.Context, metadata map[string]any) (context.Context, string) {
	parent := frameFrom(ctx)
	txn := domain.Transaction{
		ID:        uuid.NewString(),
		Metadata:  maps.Clone(metadata),
		Status:    domain.TransactionActive,
		StartedAt: time.Now(),
	}
	if parent != nil {
		txn.ParentID = parent.state.txn.ID
	}

	attrs := []attribute.KeyValue{attribute.String("transaction.id", txn.ID)}
	if txn.ParentID != "" {
		attrs = append(attrs, attribute.String("transaction.parent_id", txn.ParentID))
	}
	attrs = append(attrs, metadataAttributes(metadata)...)

	parentSpan := trace.SpanFromContext(ctx)
	spanCtx, span := c.StartSpan(ctx, "transaction", attrs...)

	st := &txnState{txn: txn, span: span}
	c.mu.Lock()
	c.seq++
	st.seq = c.seq
	c.active[txn.ID] = st
	n := len(c.active)
	c.mu.Unlock()
	c.metrics.SetActiveTransactions(n)

	out := context.WithValue(spanCtx, frameKey{}, &frame{state: st, parent: parent, parentSpan: parentSpan})
	return out, txn.ID
}

// EndTransaction closes the transaction at the top of ctx's stack. Ending any
// other id returns *domain.StackMismatchError and changes nothing. Metadata
// is merged into the transaction; metadata["status"] overrides the default
// completed status. The returned context has the parent transaction and
// span restored.
func (c *Context) EndTransaction(ctx context.Context, id string, metadata map[string]any) (context.Context, error) {
	f := frameFrom(ctx)
	if f == nil {
		return ctx, &domain.StackMismatchError{Got: id}
	}
	if f.state.txn.ID != id {
		return ctx, &domain.StackMismatchError{Expected: f.state.txn.ID, Got: id}
	}

	c.mu.Lock()
	st, ok := c.active[id]
	if !ok || st != f.state {
		c.mu.Unlock()
		return ctx, &domain.StackMismatchError{Got: id}
	}
	delete(c.active, id)
	n := len(c.active)

	if st.txn.Metadata == nil && len(metadata) > 0 {
		st.txn.Metadata = make(map[string]any, len(metadata))
	}
	maps.Copy(st.txn.Metadata, metadata)
	status := domain.TransactionCompleted
	if s, ok := metadata["status"].(string); ok && s != "" {
		status = s
	}
	st.txn.Status = status
	c.mu.Unlock()
	c.metrics.SetActiveTransactions(n)

	st.span.SetAttributes(metadataAttributes(metadata)...)
	st.span.SetAttributes(
		attribute.String("transaction.status", status),
		attribute.Float64("transaction.duration_ms", float64(time.Since(st.txn.StartedAt).Microseconds())/1000),
	)
	if status == "error" || status == "failed" {
		st.span.SetStatus(codes.Error, status)
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()

	out := context.WithValue(ctx, frameKey{}, f.parent)
	return trace.ContextWithSpan(out, f.parentSpan), nil
}

// CurrentTransaction returns the transaction at the top of ctx's stack if it
// is still active.
func (c *Context) CurrentTransaction(ctx context.Context) (domain.Transaction, bool) {
	f := frameFrom(ctx)
	if f == nil {
		return domain.Transaction{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.active[f.state.txn.ID]
	if !ok || st != f.state {
		return domain.Transaction{}, false
	}
	return st.txn.Clone(), true
}

// ActiveTransactions returns a snapshot of every unclosed transaction
// across all call chains.
func (c *Context) ActiveTransactions() map[string]domain.Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.Transaction, len(c.active))
	for id, st := range c.active {
		out[id] = st.txn.Clone()
	}
	return out
}

// ActiveTransactionList returns the active transactions oldest first.
func (c *Context) ActiveTransactionList() []domain.Transaction {
	c.mu.RLock()
	states := make([]*txnState, 0, len(c.active))
	for _, st := range c.active {
		states = append(states, st)
	}
	c.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].seq < states[j].seq })
	out := make([]domain.Transaction, len(states))
	for i, st := range states {
		out[i] = st.txn.Clone()
	}
	return out
}

// lookupTransaction resolves the transaction for a chat record: ctx's top,
// else the most recently started active transaction.
func (c *Context) lookupTransaction(ctx context.Context) (domain.Transaction, bool) {
	if txn, ok := c.CurrentTransaction(ctx); ok {
		return txn, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var latest *txnState
	for _, st := range c.active {
		if latest == nil || st.seq > latest.seq {
			latest = st
		}
	}
	if latest == nil {
		return domain.Transaction{}, false
	}
	return latest.txn.Clone(), true
}

// SetUserID returns a context whose spans carry user.id.
func (c *Context) SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// SetDefaultUserID sets the user id applied when a context has none.
func (c *Context) SetDefaultUserID(userID string) {
	c.defaultUser.Store(&userID)
}

// UserID returns ctx's user id, or the process default.
func (c *Context) UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userKey{}).(string); ok && id != "" {
		return id
	}
	if p := c.defaultUser.Load(); p != nil {
		return *p
	}
	return ""
}

// StartSpan opens a span as a child of ctx's current span, stamped with the
// service name, user id and current transaction id.
func (c *Context) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{attribute.String("service.name", c.cfg.ServiceName)}
	if uid := c.UserID(ctx); uid != "" {
		base = append(base, attribute.String("user.id", uid))
	}
	if f := frameFrom(ctx); f != nil {
		base = append(base, attribute.String("transaction_id", f.state.txn.ID))
	}
	return c.tracer.Start(ctx, name, trace.WithAttributes(append(base, attrs...)...))
}

func metadataAttributes(md map[string]any) []attribute.KeyValue {
	if len(md) == 0 {
		return nil
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]attribute.KeyValue, 0, len(md))
	for _, k := range keys {
		key := "transaction.metadata." + k
		switch v := md[k].(type) {
		case string:
			out = append(out, attribute.String(key, v))
		case bool:
			out = append(out, attribute.Bool(key, v))
		case int:
			out = append(out, attribute.Int(key, v))
		case int64:
			out = append(out, attribute.Int64(key, v))
		case float64:
			out = append(out, attribute.Float64(key, v))
		case []string:
			out = append(out, attribute.StringSlice(key, v))
		default:
			out = append(out, attribute.String(key, fmt.Sprint(v)))
		}
	}
	return out
}
