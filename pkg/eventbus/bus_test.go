package eventbus

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/protocol"
)

type orders struct {
	active  atomic.Int32
	overlap atomic.Bool
	seen    atomic.Int32
}

func (o *orders) Created(id string, order map[string]any) map[string]any {
	if o.active.Add(1) > 1 {
		o.overlap.Store(true)
	}
	defer o.active.Add(-1)
	time.Sleep(time.Millisecond)
	o.seen.Add(1)
	return map[string]any{"id": id, "qty": order["qty"]}
}

func (o *orders) Audit() string { return "audited" }

func (o *orders) Declarations() []endpoint.Declaration {
	bus := map[string]string{endpoint.FacetProtocol: Name}
	return []endpoint.Declaration{
		{Method: "Created", Pattern: "orders/{id}/created", Group: GroupPublish, Facets: bus,
			Params: []endpoint.ParamHint{
				{Index: 0, Source: endpoint.SourcePath, Name: "id"},
				{Index: 1, Source: endpoint.SourceBody},
			}},
		{Method: "Audit", Pattern: "audit/**", Group: GroupPublish, Facets: bus},
		{Method: "Audit", Pattern: "/audit", Group: http.MethodGet},
	}
}

func newBus(t *testing.T, opts ...Option) (*Bus, *orders) {
	t.Helper()
	b := New(dispatch.New(), opts...)
	o := &orders{}
	n, err := b.Register(endpoint.Routes(o))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background(), time.Second) })
	return b, o
}

func TestBus_Publish(t *testing.T) {
	b, _ := newBus(t)

	msg, err := b.Publish(context.Background(), "orders/7/created", map[string]any{"qty": 3})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, msg.Status)
	assert.JSONEq(t, `{"id":"7","qty":3}`, string(msg.Reply))
	assert.Equal(t, "application/json", msg.Header.Get("Content-Type"))

	msg, err = b.Publish(context.Background(), "audit/a/b/c", "x")
	require.NoError(t, err)
	assert.Equal(t, "audited", string(msg.Reply))
}

func TestBus_UnknownTopic(t *testing.T) {
	b, _ := newBus(t)

	msg, err := b.Publish(context.Background(), "payments/1", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, msg.Status)

	var problem map[string]any
	require.NoError(t, json.Unmarshal(msg.Reply, &problem))
	assert.Equal(t, "no_endpoint", problem["error"])
}

func TestBus_PublishesAreSerialized(t *testing.T) {
	b, o := newBus(t)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Publish(context.Background(), "orders/1/created", map[string]any{"qty": 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 20, o.seen.Load())
	assert.False(t, o.overlap.Load())
}

type jobs struct {
	entered chan struct{}
	release chan struct{}

	mu  sync.Mutex
	ran []string
}

func (j *jobs) Hold(name string) string {
	j.mu.Lock()
	j.ran = append(j.ran, name)
	j.mu.Unlock()
	if name == "first" {
		close(j.entered)
		<-j.release
	}
	return name
}

func (j *jobs) Ran() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.ran)
}

func (j *jobs) Declarations() []endpoint.Declaration {
	return []endpoint.Declaration{
		{Method: "Hold", Pattern: "jobs/{name}", Group: GroupPublish,
			Facets: map[string]string{endpoint.FacetProtocol: Name},
			Params: []endpoint.ParamHint{{Index: 0, Source: endpoint.SourcePath, Name: "name"}}},
	}
}

func TestBus_PublishDeadlineWhileQueued(t *testing.T) {
	b := New(dispatch.New())
	j := &jobs{entered: make(chan struct{}), release: make(chan struct{})}
	_, err := b.Register(endpoint.Routes(j))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background(), time.Second) })

	first := b.PublishAsync(context.Background(), "jobs/first", nil)
	<-j.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = b.Publish(ctx, "jobs/second", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "deadline ignored while queued")

	close(j.release)
	res := <-first
	require.NoError(t, res.Err)
	assert.Equal(t, "first", string(res.Message.Reply))

	msg, err := b.Publish(context.Background(), "jobs/third", nil)
	require.NoError(t, err)
	assert.Equal(t, "third", string(msg.Reply))
	assert.NotContains(t, j.Ran(), "second", "expired publish reached its endpoint")
}

func TestBus_Subscribe(t *testing.T) {
	b, _ := newBus(t)

	var got []string
	cancel, err := b.Subscribe("orders/*/created", func(m Message) { got = append(got, m.Topic) })
	require.NoError(t, err)

	_, _ = b.Publish(context.Background(), "orders/1/created", map[string]any{})
	_, _ = b.Publish(context.Background(), "audit/x", nil)
	cancel()
	_, _ = b.Publish(context.Background(), "orders/2/created", map[string]any{})

	assert.Equal(t, []string{"orders/1/created"}, got)
}

func TestBus_Separator(t *testing.T) {
	b := New(dispatch.New(), WithSeparator('.'))
	_, err := b.Register(endpoint.Of(endpoint.Declaration{
		Type: typeOfOrders, Method: "Audit", Pattern: "audit.{kind}", Group: GroupPublish,
		Facets: map[string]string{endpoint.FacetProtocol: Name},
	}))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background(), time.Second)

	msg, err := b.Publish(context.Background(), "audit.login", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, msg.Status)

	msg, err = b.Publish(context.Background(), "audit/login", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, msg.Status)
}

func TestBus_Lifecycle(t *testing.T) {
	b := New(dispatch.New())
	_, err := b.Publish(context.Background(), "a", nil)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, protocol.HealthHealthy, b.Health(context.Background()).Status)
	require.NoError(t, b.Stop(context.Background(), time.Second))

	_, err = b.Publish(context.Background(), "a", nil)
	assert.ErrorIs(t, err, ErrNotRunning)

	res := <-New(dispatch.New()).PublishAsync(context.Background(), "a", nil)
	assert.ErrorIs(t, res.Err, ErrNotRunning)
}

var typeOfOrders = reflect.TypeFor[*orders]()
