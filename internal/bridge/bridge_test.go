package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/eventbus"
	"github.com/hewenyu/service-mesh/pkg/model"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATS 启动内嵌的NATS服务器并返回客户端地址
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err, "启动内嵌NATS失败")
	srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second), "内嵌NATS未就绪")
	return srv.ClientURL()
}

func setup(t *testing.T) (*eventbus.Bus, *Bridge, *nats.Conn) {
	t.Helper()
	url := startTestNATS(t)
	logger := config.NewNopLogger()

	conn, err := Connect(url, "service-mesh-test", logger)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	peer, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(peer.Close)

	bus := eventbus.New(logger)
	b := New(conn, "mesh.", bus, logger)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return bus, b, peer
}

func TestForwardBusEventsToNATS(t *testing.T) {
	bus, b, peer := setup(t)
	assert.Equal(t, "mesh.events.service.registered", b.EventSubject(model.EventServiceRegistered))

	msgs := make(chan *nats.Msg, 8)
	sub, err := peer.ChanSubscribe("mesh.events.>", msgs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, peer.Flush())

	published := bus.Publish(model.NewEvent(model.SourceMesh, model.ServiceUnregistered{ID: "mem", Name: "Memory"}))

	select {
	case msg := <-msgs:
		assert.Equal(t, "mesh.events.service.unregistered", msg.Subject)
		var got model.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, published.ID, got.ID)
		assert.Equal(t, model.ServiceUnregistered{ID: "mem", Name: "Memory"}, got.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("等待NATS消息超时")
	}
}

func TestIngestNATSEventsIntoBus(t *testing.T) {
	bus, b, peer := setup(t)

	received := make(chan model.Event, 1)
	bus.Subscribe("dream.recorded", func(e model.Event) error {
		received <- e
		return nil
	})

	require.NoError(t, peer.Publish(b.PublishSubject(), []byte(`{"type":"dream.recorded","data":{"mood":"calm"}}`)))
	require.NoError(t, peer.Flush())

	select {
	case e := <-received:
		assert.NotEmpty(t, e.ID, "总线应为外部事件生成ID")
		assert.Equal(t, SourceNATS, e.Source, "未指定来源时使用nats")
		assert.JSONEq(t, `{"mood":"calm"}`, string(e.Data.(model.RawPayload)))
	case <-time.After(2 * time.Second):
		t.Fatal("等待总线事件超时")
	}
}

func TestIngestRejectsInvalidMessages(t *testing.T) {
	bus, b, peer := setup(t)

	require.NoError(t, peer.Publish(b.PublishSubject(), []byte(`not json`)))
	require.NoError(t, peer.Publish(b.PublishSubject(), []byte(`{"data":{}}`)))
	require.NoError(t, peer.Publish(b.PublishSubject(), []byte(`{"type":"*"}`)))
	// 最后一条合法消息用于确认前面的消息都已处理
	require.NoError(t, peer.Publish(b.PublishSubject(), []byte(`{"type":"marker","source":"peer"}`)))
	require.NoError(t, peer.Flush())

	require.Eventually(t, func() bool {
		return len(bus.History(eventbus.Filter{Type: "marker"})) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, bus.History(eventbus.Filter{}), 1, "非法消息不应写入总线")
}

func TestStopDetachesBridge(t *testing.T) {
	bus, b, peer := setup(t)
	b.Stop()

	msgs := make(chan *nats.Msg, 8)
	sub, err := peer.ChanSubscribe("mesh.events.>", msgs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, peer.Flush())

	bus.Publish(model.Event{Type: "after.stop", Data: model.RawPayload(`{}`)})
	select {
	case msg := <-msgs:
		t.Fatalf("停止后不应转发事件: %s", msg.Subject)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestValidSubjectToken(t *testing.T) {
	assert.True(t, validSubjectToken("service.registered"))
	assert.False(t, validSubjectToken("*"))
	assert.False(t, validSubjectToken("a..b"))
	assert.False(t, validSubjectToken("has space"))
	assert.False(t, validSubjectToken(""))
}
