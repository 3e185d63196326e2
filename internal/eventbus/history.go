package eventbus

import (
	"time"

	"github.com/hewenyu/service-mesh/pkg/model"
)

// Filter 事件历史查询条件，非空条件之间是AND关系
type Filter struct {
	Type   string    // 事件类型
	Source string    // 事件来源
	Since  time.Time // 起始时间（包含）
}

// Match 判断事件是否满足过滤条件
func (f Filter) Match(e model.Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// ring 固定容量的环形缓冲区，满了之后覆盖最旧的事件
type ring struct {
	buf   []model.Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]model.Event, capacity)}
}

// push 追加事件，返回是否淘汰了旧事件
func (r *ring) push(e model.Event) bool {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return false
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// filter 按从旧到新的顺序返回满足条件的事件副本
func (r *ring) filter(f Filter) []model.Event {
	out := make([]model.Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if f.Match(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// distinctTypes 历史中不同事件类型的数量
func (r *ring) distinctTypes() int {
	types := make(map[string]struct{})
	for i := 0; i < r.size; i++ {
		types[r.buf[(r.start+i)%len(r.buf)].Type] = struct{}{}
	}
	return len(types)
}
