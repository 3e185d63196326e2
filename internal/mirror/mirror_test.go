package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/eventbus"
	"github.com/hewenyu/service-mesh/internal/registry"
	"github.com/hewenyu/service-mesh/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeKV 基于内存的clientv3.KV实现，只支持镜像用到的操作
type fakeKV struct {
	clientv3.KV

	mu      sync.Mutex
	data    map[string]string
	failPut bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut {
		return nil, errors.New("etcd不可用")
	}
	f.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return &clientv3.DeleteResponse{}, nil
}

// Get 总是按前缀查询
func (f *fakeKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &clientv3.GetResponse{}
	for k, v := range f.data {
		if strings.HasPrefix(k, key) {
			resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(v)})
		}
	}
	return resp, nil
}

func (f *fakeKV) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeKV) record(t *testing.T, key string) model.ServiceRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var rec model.ServiceRecord
	require.NoError(t, json.Unmarshal([]byte(f.data[key]), &rec))
	return rec
}

func setup(t *testing.T) (*fakeKV, *registry.Registry, *Mirror) {
	t.Helper()
	logger := config.NewNopLogger()
	bus := eventbus.New(logger)
	reg := registry.New(bus, logger)
	kv := newFakeKV()
	m := New(kv, "/test/services", reg, logger)
	t.Cleanup(m.Attach(bus))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return kv, reg, m
}

func TestMirrorFollowsRegistry(t *testing.T) {
	kv, reg, m := setup(t)
	assert.Equal(t, "/test/services/mem", m.Key("mem"), "前缀应自动补全斜杠")

	_, err := reg.Register(model.ServiceRecord{ID: "mem", BaseURL: "http://localhost:9001", Capabilities: []string{"memory"}})
	require.NoError(t, err)
	_, err = reg.Register(model.ServiceRecord{ID: "oracle", BaseURL: "http://localhost:9002"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(kv.keys()) == 2 }, time.Second, 5*time.Millisecond)
	rec := kv.record(t, "/test/services/mem")
	assert.Equal(t, "http://localhost:9001", rec.BaseURL)
	assert.Equal(t, model.StatusOnline, rec.Status)

	// 状态变化写入最新记录
	_, err = reg.UpdateStatus("mem", model.StatusOffline)
	require.NoError(t, err)
	require.NoError(t, m.onEvent(model.NewEvent(model.SourceMesh, model.ServiceStatusChanged{
		ID: "mem", Previous: model.StatusOnline, Current: model.StatusOffline,
	})))
	require.Eventually(t, func() bool {
		return kv.record(t, "/test/services/mem").Status == model.StatusOffline
	}, time.Second, 5*time.Millisecond)

	reg.Unregister("oracle")
	require.Eventually(t, func() bool {
		keys := kv.keys()
		return len(keys) == 1 && keys[0] == "/test/services/mem"
	}, time.Second, 5*time.Millisecond, "注销后应从etcd删除")
}

func TestMirrorIgnoresOtherEvents(t *testing.T) {
	kv := newFakeKV()
	m := New(kv, "", registry.New(nil, config.NewNopLogger()), config.NewNopLogger())
	assert.Equal(t, DefaultPrefix+"x", m.Key("x"))

	require.NoError(t, m.onEvent(model.Event{Type: "dream.recorded", Data: model.RawPayload(`{}`)}))
	assert.Empty(t, m.queue)

	// 已注销服务的状态变化被忽略
	require.NoError(t, m.onEvent(model.NewEvent(model.SourceMesh, model.ServiceStatusChanged{ID: "ghost"})))
	assert.Empty(t, m.queue)
}

func TestMirrorQueueFullDoesNotBlock(t *testing.T) {
	m := New(newFakeKV(), "", registry.New(nil, config.NewNopLogger()), config.NewNopLogger())

	event := model.NewEvent(model.SourceMesh, model.ServiceUnregistered{ID: "x"})
	assert.NotPanics(t, func() {
		for i := 0; i < queueSize+10; i++ {
			require.NoError(t, m.onEvent(event))
		}
	})
	assert.Len(t, m.queue, queueSize)
}

func TestSync(t *testing.T) {
	kv := newFakeKV()
	kv.data["/test/services/stale"] = `{"id":"stale"}`
	kv.data["/other/keep"] = "x"

	m := New(kv, "/test/services/", nil, config.NewNopLogger())
	err := m.Sync(context.Background(), []*model.ServiceRecord{
		{ID: "a", BaseURL: "http://a", Status: model.StatusOnline},
		{ID: "b", BaseURL: "http://b", Status: model.StatusOffline},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"/other/keep", "/test/services/a", "/test/services/b"}, kv.keys(),
		"同步应删除前缀下多余的服务，不影响其他前缀")
	assert.Equal(t, model.StatusOffline, kv.record(t, "/test/services/b").Status)
}

func TestSyncError(t *testing.T) {
	kv := newFakeKV()
	kv.failPut = true
	m := New(kv, "", nil, config.NewNopLogger())

	err := m.Sync(context.Background(), []*model.ServiceRecord{{ID: "a", BaseURL: "http://a"}})
	assert.Error(t, err)
}
