package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hewenyu/service-mesh/pkg/model"
)

// applyTransform 对值应用声明式转换，t为nil时原样返回
func applyTransform(t *model.Transform, v any) (any, error) {
	if t == nil {
		return v, nil
	}
	switch t.Kind {
	case "", model.TransformIdentity:
		return v, nil
	case model.TransformExtract:
		return extract(v, t.Field)
	case model.TransformWrap:
		return map[string]any{t.Field: v}, nil
	default:
		return nil, fmt.Errorf("未知的转换类型: %s", t.Kind)
	}
}

// extract 按点分路径取值，数组使用数字下标
func extract(v any, path string) (any, error) {
	if path == "" {
		return v, nil
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("字段不存在: %s", path)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("数组下标无效: %s (%s)", seg, path)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("无法在%T上取字段%s", cur, seg)
		}
	}
	return cur, nil
}

func validateTransform(t *model.Transform) error {
	if t == nil {
		return nil
	}
	switch t.Kind {
	case "", model.TransformIdentity:
		return nil
	case model.TransformExtract:
		return nil
	case model.TransformWrap:
		if t.Field == "" {
			return fmt.Errorf("wrap转换必须指定field")
		}
		return nil
	default:
		return fmt.Errorf("未知的转换类型: %s", t.Kind)
	}
}
