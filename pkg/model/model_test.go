package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTripKnownPayload(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	original := NewEvent(SourceMesh, ServiceStatusChanged{
		ID: "mem", Previous: StatusOnline, Current: StatusOffline, LastSeen: ts,
	})
	original.ID = "e-1"
	original.Timestamp = ts

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded, "已知类型的负载应解析为对应结构体")
}

func TestEventUnknownTypeKeepsRawPayload(t *testing.T) {
	var e Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"dream.recorded","source":"journal","data":{"mood":"calm"},"metadata":{"priority":"high"}}`), &e))

	raw, ok := e.Data.(RawPayload)
	require.True(t, ok)
	assert.JSONEq(t, `{"mood":"calm"}`, string(raw))
	assert.Equal(t, PriorityHigh, e.Metadata.Priority)

	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"data":{"mood":"calm"}`)
}

func TestEventWithoutData(t *testing.T) {
	var e Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"ping","data":null}`), &e))
	assert.Nil(t, e.Data)

	out, err := json.Marshal(Event{Type: "ping", Data: RawPayload(nil)})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"data":null`)
}

func TestEventBadKnownPayload(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"type":"service.unregistered","data":"oops"}`), &e)
	assert.Error(t, err)
}

func TestServiceRegisteredPayloadFlattensRecord(t *testing.T) {
	data, err := json.Marshal(ServiceRegistered{ServiceRecord{ID: "mem", BaseURL: "http://m"}})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "mem", fields["id"])
	assert.Equal(t, "http://m", fields["base_url"])
}

func TestServiceStatus(t *testing.T) {
	tests := []struct {
		status    ServiceStatus
		valid     bool
		effective ServiceStatus
	}{
		{"", true, StatusOffline},
		{StatusOnline, true, StatusOnline},
		{StatusDegraded, true, StatusDegraded},
		{StatusOffline, true, StatusOffline},
		{"sleeping", false, "sleeping"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.Valid())
			assert.Equal(t, tt.effective, tt.status.Effective())
		})
	}
}

func TestServiceRecordClone(t *testing.T) {
	var nilRecord *ServiceRecord
	assert.Nil(t, nilRecord.Clone())

	rec := &ServiceRecord{ID: "mem", Capabilities: []string{"memory"}, Dependencies: []string{"oracle"}}
	c := rec.Clone()
	c.Capabilities[0] = "changed"
	c.Dependencies[0] = "changed"

	assert.Equal(t, "memory", rec.Capabilities[0], "拷贝不应共享切片")
	assert.Equal(t, "oracle", rec.Dependencies[0])
	assert.True(t, rec.HasCapability("memory"))
	assert.False(t, rec.HasCapability("ai"))
}

func TestEventClone(t *testing.T) {
	e := NewEvent("test", ServiceRegistered{ServiceRecord: ServiceRecord{ID: "mem", Capabilities: []string{"memory"}}})
	e.Metadata = &EventMetadata{CorrelationID: "c1"}

	c := e.Clone()
	c.Data.(ServiceRegistered).Capabilities[0] = "changed"
	c.Metadata.CorrelationID = "c2"
	assert.Equal(t, []string{"memory"}, e.Data.(ServiceRegistered).Capabilities, "拷贝不应共享能力列表")
	assert.Equal(t, "c1", e.Metadata.CorrelationID, "拷贝不应共享元数据")

	raw := Event{Type: "x", Data: RawPayload(`{"a":1}`)}
	rc := raw.Clone()
	rc.Data.(RawPayload)[0] = 'X'
	assert.Equal(t, `{"a":1}`, string(raw.Data.(RawPayload)))

	empty := Event{Type: "x"}
	assert.Nil(t, empty.Clone().Data)
	assert.Nil(t, empty.Clone().Metadata)
}

func TestMeshErrors(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewUnreachableError("调用服务mem失败", cause)

	assert.Equal(t, "调用服务mem失败: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrUnreachable, CodeOf(err))

	wrapped := fmt.Errorf("外层: %w", NewNotFoundError("服务不存在: mem"))
	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, ErrNotFound, CodeOf(wrapped))

	assert.Equal(t, 0, CodeOf(cause))
	assert.False(t, IsNotFound(nil))
	assert.Equal(t, "参数无效", NewInvalidArgumentError("参数无效").Error())
	assert.Equal(t, ErrHandler, CodeOf(NewHandlerError("处理失败", cause)))
	assert.Equal(t, ErrBadResponse, CodeOf(NewBadResponseError("响应异常", nil)))
}
