package model

// TransformKind 声明式转换类型
type TransformKind string

const (
	// TransformIdentity 原样返回
	TransformIdentity TransformKind = "identity"
	// TransformExtract 按点分路径提取字段，数组下标用数字表示，例如 "items.0.name"
	TransformExtract TransformKind = "extract"
	// TransformWrap 将值包装到指定键下
	TransformWrap TransformKind = "wrap"
)

// Transform 声明式转换配置，可以安全地从JSON或配置文件中反序列化
type Transform struct {
	Kind  TransformKind `json:"kind" mapstructure:"kind"`
	Field string        `json:"field,omitempty" mapstructure:"field"` // extract的路径或wrap的键
}

// WorkflowStep 工作流中的一个步骤
type WorkflowStep struct {
	Service   string     `json:"service" mapstructure:"service"`               // 目标服务ID
	Endpoint  string     `json:"endpoint" mapstructure:"endpoint"`             // 请求路径
	Method    string     `json:"method,omitempty" mapstructure:"method"`       // HTTP方法，默认GET
	Data      any        `json:"data,omitempty" mapstructure:"data"`           // 静态请求体
	Input     *Transform `json:"input,omitempty" mapstructure:"input"`         // 由上一步结果生成请求体
	Transform *Transform `json:"transform,omitempty" mapstructure:"transform"` // 对响应结果的转换

	// 以下字段只能在进程内构造，不参与序列化
	DataFunc      func(previous any) (any, error) `json:"-" mapstructure:"-"`
	TransformFunc func(response any) (any, error) `json:"-" mapstructure:"-"`
}

// WorkflowDefinition 工作流定义
type WorkflowDefinition struct {
	Name  string         `json:"name" mapstructure:"name"`
	Steps []WorkflowStep `json:"steps" mapstructure:"steps"`
}
