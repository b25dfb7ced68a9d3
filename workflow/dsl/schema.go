package dsl

// Document 工作流源文档（YAML DSL 的语法树根节点）
type Document struct {
	// Name 工作流名称
	Name string
	// Description 工作流描述
	Description string
	// Triggers 触发器标识
	Triggers []string
	// Inputs 输入参数签名，合法的工作流恰好声明一个
	Inputs []string
	// Statements 顶层语句序列
	Statements []Statement
	// InputPos 输入声明所在位置
	InputPos Position
}

// Position is a 1-based location in the source document.
type Position struct {
	Line   int
	Column int
}

// Statement 语句：CallStmt、IfStmt 或 UnsupportedStmt
type Statement interface {
	Pos() Position
	// Source is the statement as written, used in error messages.
	Source() string
	stmt()
}

// Kwarg 关键字参数，保留书写顺序以便检测重复
type Kwarg struct {
	Name  string
	Value any
	Pos   Position
}

// CallStmt 动作调用语句，可选赋值
type CallStmt struct {
	// Targets 赋值目标；为空表示丢弃结果，多于一个是多目标赋值
	Targets []string
	Action  string
	Kwargs  []Kwarg
	// Positional 位置参数（编译器拒绝）
	Positional []any
	// RunAfter 仅排序依赖的变量名
	RunAfter []string
	// Secrets 密钥占位符 -> 密钥名
	Secrets map[string]string

	Text     string
	Position Position
}

// IfStmt 条件语句；elif 在解析时脱糖为 Else 中嵌套的 IfStmt
type IfStmt struct {
	Condition string
	Then      []Statement
	Else      []Statement

	Text     string
	Position Position
}

// UnsupportedStmt 不支持的语句形式（如循环），由编译器报错
type UnsupportedStmt struct {
	Kind string

	Text     string
	Position Position
}

func (s *CallStmt) Pos() Position        { return s.Position }
func (s *IfStmt) Pos() Position          { return s.Position }
func (s *UnsupportedStmt) Pos() Position { return s.Position }

func (s *CallStmt) Source() string        { return s.Text }
func (s *IfStmt) Source() string          { return s.Text }
func (s *UnsupportedStmt) Source() string { return s.Text }

func (*CallStmt) stmt()        {}
func (*IfStmt) stmt()          {}
func (*UnsupportedStmt) stmt() {}
