package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/eventbus"
	"github.com/hewenyu/service-mesh/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher 记录所有发布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(event model.Event) model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return event
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestRegistry(pub EventPublisher) *Registry {
	return New(pub, config.NewNopLogger())
}

func TestRegisterAndGet(t *testing.T) {
	pub := &recordingPublisher{}
	fixed := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	r := New(pub, config.NewNopLogger(), WithClock(func() time.Time { return fixed }))

	stored, err := r.Register(model.ServiceRecord{
		ID:           "mem",
		Name:         "Memory Service",
		BaseURL:      "http://localhost:3001/",
		Capabilities: []string{"memory", "storage"},
		Status:       model.StatusOffline,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, stored.Status, "注册后状态应为在线")
	assert.Equal(t, fixed, stored.LastSeen)
	assert.Equal(t, "http://localhost:3001", stored.BaseURL, "地址末尾的斜杠应被去掉")

	got, err := r.Get("mem")
	require.NoError(t, err)
	assert.Equal(t, stored, got)

	require.Len(t, pub.events, 1)
	assert.Equal(t, model.EventServiceRegistered, pub.events[0].Type)
	assert.Equal(t, model.SourceMesh, pub.events[0].Source)
	payload, ok := pub.events[0].Data.(model.ServiceRegistered)
	require.True(t, ok, "负载应为ServiceRegistered")
	assert.Equal(t, "mem", payload.ID)
	assert.Equal(t, []string{"memory", "storage"}, payload.Capabilities)
}

func TestRegisterInvalid(t *testing.T) {
	r := newTestRegistry(nil)

	_, err := r.Register(model.ServiceRecord{ID: "", BaseURL: "http://x"})
	assert.Equal(t, model.ErrInvalidArgument, model.CodeOf(err))

	_, err = r.Register(model.ServiceRecord{ID: "x", BaseURL: "  "})
	assert.Equal(t, model.ErrInvalidArgument, model.CodeOf(err))
}

func TestRegisterReplacesWholeRecord(t *testing.T) {
	r := newTestRegistry(nil)

	_, err := r.Register(model.ServiceRecord{
		ID:           "svc",
		Name:         "first",
		BaseURL:      "http://a",
		Capabilities: []string{"x", "y"},
		Dependencies: []string{"dep"},
	})
	require.NoError(t, err)

	_, err = r.Register(model.ServiceRecord{ID: "svc", Name: "second", BaseURL: "http://b"})
	require.NoError(t, err)

	got, err := r.Get("svc")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
	assert.Equal(t, "http://b", got.BaseURL)
	assert.Empty(t, got.Capabilities, "重新注册不应合并旧的能力标签")
	assert.Empty(t, got.Dependencies)

	total, _ := r.Stats()
	assert.Equal(t, 1, total, "同一ID只应有一条记录")
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	r := newTestRegistry(nil)
	input := model.ServiceRecord{ID: "svc", BaseURL: "http://a", Capabilities: []string{"x"}}
	_, err := r.Register(input)
	require.NoError(t, err)

	input.Capabilities[0] = "mutated"
	got, _ := r.Get("svc")
	got.Capabilities[0] = "mutated"
	got.Name = "mutated"

	again, _ := r.Get("svc")
	assert.Equal(t, []string{"x"}, again.Capabilities, "外部修改不应影响注册表")
	assert.Empty(t, again.Name)
}

func TestUnregisterIdempotent(t *testing.T) {
	pub := &recordingPublisher{}
	r := newTestRegistry(pub)

	_, err := r.Register(model.ServiceRecord{ID: "svc", Name: "Service", BaseURL: "http://a"})
	require.NoError(t, err)

	assert.True(t, r.Unregister("svc"))
	assert.False(t, r.Unregister("svc"), "第二次注销应为空操作")
	assert.False(t, r.Unregister("never-registered"))

	_, err = r.Get("svc")
	assert.True(t, model.IsNotFound(err))

	assert.Equal(t, []string{model.EventServiceRegistered, model.EventServiceUnregistered}, pub.types(),
		"只有实际移除时才发布注销事件")
	payload := pub.events[1].Data.(model.ServiceUnregistered)
	assert.Equal(t, model.ServiceUnregistered{ID: "svc", Name: "Service"}, payload)
}

func TestListByCapability(t *testing.T) {
	r := newTestRegistry(nil)
	for _, rec := range []model.ServiceRecord{
		{ID: "c", BaseURL: "http://c", Capabilities: []string{"ai", "memory"}},
		{ID: "a", BaseURL: "http://a", Capabilities: []string{"memory"}},
		{ID: "b", BaseURL: "http://b", Capabilities: []string{"ai"}},
	} {
		_, err := r.Register(rec)
		require.NoError(t, err)
	}

	all := r.ListAll()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID, "列表应按ID排序")
	assert.Equal(t, "c", all[2].ID)

	memory := r.ListByCapability("memory")
	require.Len(t, memory, 2)
	assert.Equal(t, "a", memory[0].ID)
	assert.Equal(t, "c", memory[1].ID)

	none := r.ListByCapability("quantum")
	assert.NotNil(t, none, "没有匹配时应返回空切片而不是nil")
	assert.Empty(t, none)
}

func TestUpdateStatus(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	r := New(nil, config.NewNopLogger(), WithClock(func() time.Time { return now }))

	_, err := r.Register(model.ServiceRecord{ID: "svc", BaseURL: "http://a"})
	require.NoError(t, err)

	now = now.Add(time.Minute)
	prev, err := r.UpdateStatus("svc", model.StatusOffline)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, prev)

	got, _ := r.Get("svc")
	assert.Equal(t, model.StatusOffline, got.Status)
	assert.Equal(t, now.Add(-time.Minute), got.LastSeen, "离线不应刷新最近可见时间")

	now = now.Add(time.Minute)
	prev, err = r.UpdateStatus("svc", model.StatusOnline)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, prev)
	got, _ = r.Get("svc")
	assert.Equal(t, now, got.LastSeen, "在线应刷新最近可见时间")

	_, err = r.UpdateStatus("missing", model.StatusOnline)
	assert.True(t, model.IsNotFound(err))

	_, err = r.UpdateStatus("svc", model.ServiceStatus("sleeping"))
	assert.Equal(t, model.ErrInvalidArgument, model.CodeOf(err))
}

func TestHeartbeat(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	pub := &recordingPublisher{}
	r := New(pub, config.NewNopLogger(), WithClock(func() time.Time { return now }))

	_, err := r.Register(model.ServiceRecord{ID: "svc", BaseURL: "http://a"})
	require.NoError(t, err)
	_, err = r.UpdateStatus("svc", model.StatusOffline)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	rec, err := r.Heartbeat("svc")
	require.NoError(t, err)
	assert.Equal(t, now, rec.LastSeen, "心跳应刷新最近可见时间")
	assert.Equal(t, model.StatusOffline, rec.Status, "心跳不改变状态")
	assert.Equal(t, []string{model.EventServiceRegistered}, pub.types(), "心跳不发布事件")

	_, err = r.Heartbeat("missing")
	assert.True(t, model.IsNotFound(err))
}

func TestStaleHealthTicketsAreDiscarded(t *testing.T) {
	r := newTestRegistry(nil)
	_, err := r.Register(model.ServiceRecord{ID: "svc", BaseURL: "http://old"})
	require.NoError(t, err)

	first, err := r.BeginProbe("svc")
	require.NoError(t, err)
	assert.Equal(t, "http://old", first.BaseURL)
	second, err := r.BeginProbe("svc")
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	// 后开始的探测先写回
	prev, applied, err := r.CompleteProbe(second, model.StatusOffline)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.StatusOnline, prev)

	prev, applied, err = r.CompleteProbe(first, model.StatusOnline)
	require.NoError(t, err)
	assert.False(t, applied, "先开始的探测结果应被丢弃")
	assert.Equal(t, model.StatusOffline, prev)
	got, _ := r.Get("svc")
	assert.Equal(t, model.StatusOffline, got.Status)

	// 重新注册后旧凭据全部失效
	stale, err := r.BeginProbe("svc")
	require.NoError(t, err)
	_, err = r.Register(model.ServiceRecord{ID: "svc", BaseURL: "http://new"})
	require.NoError(t, err)
	_, applied, err = r.CompleteProbe(stale, model.StatusOffline)
	require.NoError(t, err)
	assert.False(t, applied, "重新注册前领取的凭据应失效")
	got, _ = r.Get("svc")
	assert.Equal(t, model.StatusOnline, got.Status)

	fresh, err := r.BeginProbe("svc")
	require.NoError(t, err)
	assert.Equal(t, "http://new", fresh.BaseURL)
	_, applied, err = r.CompleteProbe(fresh, model.StatusOffline)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestManualStatusUpdateSupersedesInFlightCheck(t *testing.T) {
	r := newTestRegistry(nil)
	_, err := r.Register(model.ServiceRecord{ID: "svc", BaseURL: "http://a"})
	require.NoError(t, err)

	ticket, err := r.BeginProbe("svc")
	require.NoError(t, err)
	_, err = r.UpdateStatus("svc", model.StatusDegraded)
	require.NoError(t, err)

	_, applied, err := r.CompleteProbe(ticket, model.StatusOnline)
	require.NoError(t, err)
	assert.False(t, applied)
	got, _ := r.Get("svc")
	assert.Equal(t, model.StatusDegraded, got.Status)
}

func TestHealthTicketOfUnregisteredService(t *testing.T) {
	r := newTestRegistry(nil)
	_, err := r.BeginProbe("missing")
	assert.True(t, model.IsNotFound(err))

	_, err = r.Register(model.ServiceRecord{ID: "svc", BaseURL: "http://a"})
	require.NoError(t, err)
	ticket, err := r.BeginProbe("svc")
	require.NoError(t, err)
	r.Unregister("svc")

	_, applied, err := r.CompleteProbe(ticket, model.StatusOnline)
	assert.True(t, model.IsNotFound(err))
	assert.False(t, applied)

	_, _, err = r.CompleteProbe(ticket, model.ServiceStatus("sleeping"))
	assert.Equal(t, model.ErrInvalidArgument, model.CodeOf(err))
}

func TestStats(t *testing.T) {
	r := newTestRegistry(nil)
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Register(model.ServiceRecord{ID: id, BaseURL: "http://" + id})
		require.NoError(t, err)
	}
	_, err := r.UpdateStatus("b", model.StatusOffline)
	require.NoError(t, err)
	_, err = r.UpdateStatus("c", model.StatusDegraded)
	require.NoError(t, err)

	total, online := r.Stats()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, online)
}

func TestRegistryPublishesIntoEventBus(t *testing.T) {
	bus := eventbus.New(config.NewNopLogger())
	r := newTestRegistry(bus)

	var seen []string
	bus.Subscribe(model.EventWildcard, func(e model.Event) error {
		// 处理函数在锁外调用，可以重新进入注册表
		_, err := r.Get("svc")
		if e.Type == model.EventServiceRegistered {
			require.NoError(t, err)
		}
		seen = append(seen, e.Type)
		return nil
	})

	_, err := r.Register(model.ServiceRecord{ID: "svc", BaseURL: "http://a"})
	require.NoError(t, err)
	r.Unregister("svc")

	assert.Equal(t, []string{model.EventServiceRegistered, model.EventServiceUnregistered}, seen)
	assert.Equal(t, 2, bus.Stats().TotalEvents)
}

func TestConcurrentAccess(t *testing.T) {
	r := newTestRegistry(&recordingPublisher{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			for j := 0; j < 50; j++ {
				_, _ = r.Register(model.ServiceRecord{ID: id, BaseURL: "http://" + id})
				_, _ = r.UpdateStatus(id, model.StatusOffline)
				_ = r.ListAll()
				_, _ = r.Get(id)
			}
		}(i)
	}
	wg.Wait()

	total, _ := r.Stats()
	assert.Equal(t, 10, total)
}
