package gdwatch

import (
	"fmt"
	"os"
	"reflect"

	"github.com/goccy/go-yaml"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
	"github.com/mashiike/gdwatch/pkg/gdwatchevent"
)

// CELEnv provides a CEL environment configured for evaluating expressions
// against a gdwatchevent.Change.
//
// Field names use lowerCamelCase (matching JSON tags), e.g. change.removed,
// file.mimeType, file.owners.exists(o, o.me).
type CELEnv struct {
	env                *cel.Env
	validationPatterns []*gdwatchevent.Change
}

// changes every bound expression must evaluate without error
var celValidationPatterns = []*gdwatchevent.Change{
	{
		FileID:  "validation-file-id",
		Removed: true,
		Time:    "2024-01-01T00:00:00.000Z",
	},
	{
		FileID: "validation-file-id",
		Time:   "2024-01-01T00:00:00.000Z",
		File: &gdwatchevent.File{
			ID:           "validation-file-id",
			Name:         "validation",
			MimeType:     "application/vnd.google-apps.document",
			ModifiedTime: "2024-01-01T00:00:00.000Z",
			Owners: []*gdwatchevent.User{
				{DisplayName: "owner", EmailAddress: "owner@example.com", Me: true},
			},
		},
	},
	{
		FileID: "validation-file-id",
		File: &gdwatchevent.File{
			ID:       "validation-file-id",
			MimeType: "application/pdf",
		},
	},
}

func NewCELEnv() (*CELEnv, error) {
	env, err := cel.NewEnv(
		ext.NativeTypes(
			ext.ParseStructTags(true),
			reflect.TypeOf(&gdwatchevent.Change{}),
			reflect.TypeOf(&gdwatchevent.File{}),
			reflect.TypeOf(&gdwatchevent.User{}),
		),
		cel.Variable("change", cel.ObjectType("gdwatchevent.Change")),
		cel.Variable("file", cel.ObjectType("gdwatchevent.File")),
		cel.Variable("target", cel.StringType),
		ext.Strings(),
		cel.Function("env",
			cel.Overload("env_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					name, ok := arg.Value().(string)
					if !ok {
						return types.NewErr("env() requires a string argument")
					}
					return types.String(os.Getenv(name))
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEnv{env: env, validationPatterns: celValidationPatterns}, nil
}

// celVars binds the variables of an expression. A change without a file
// snapshot is evaluated against an empty file.
func celVars(target string, c *gdwatchevent.Change) map[string]any {
	file := c.File
	if file == nil {
		file = &gdwatchevent.File{}
	}
	return map[string]any{
		"change": c,
		"file":   file,
		"target": target,
	}
}

// ChangeFilter is a compiled boolean CEL expression.
type ChangeFilter struct {
	expr    string
	program cel.Program
}

// Compile compiles a CEL expression that must return bool.
func (e *CELEnv) Compile(expr string) (*ChangeFilter, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &ChangeFilter{expr: expr, program: prg}, nil
}

func (f *ChangeFilter) String() string {
	return f.expr
}

// Match evaluates the filter for a change of target.
func (f *ChangeFilter) Match(target string, c *gdwatchevent.Change) (bool, error) {
	if c == nil {
		return false, nil
	}
	result, _, err := f.program.Eval(celVars(target, c))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression returned non-bool value: %T", result.Value())
	}
	return b, nil
}

// CompileString compiles a CEL expression that returns a string.
func (e *CELEnv) CompileString(expr string) (*StringExpression, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.StringType {
		return nil, fmt.Errorf("CEL expression must return string, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &StringExpression{program: prg}, nil
}

// StringExpression represents a compiled CEL expression that returns a string.
type StringExpression struct {
	program cel.Program
}

func (s *StringExpression) Eval(target string, c *gdwatchevent.Change) (string, error) {
	if c == nil {
		return "", nil
	}
	result, _, err := s.program.Eval(celVars(target, c))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	str, ok := result.Value().(string)
	if !ok {
		return "", fmt.Errorf("CEL expression returned non-string value: %T", result.Value())
	}
	return str, nil
}

// ExprOrString holds either a CEL string expression or a static string value.
type ExprOrString struct {
	raw    string
	value  string
	expr   *StringExpression
	isExpr bool
}

func (e *ExprOrString) UnmarshalYAML(data []byte) error {
	return yaml.Unmarshal(data, &e.raw)
}

// Bind compiles the expression if valid, otherwise treats it as a static value.
// A compiled expression must evaluate on every validation pattern.
func (e *ExprOrString) Bind(env *CELEnv) error {
	expr, err := env.CompileString(e.raw)
	if err != nil {
		e.value = e.raw
		return nil
	}
	for i, pattern := range env.validationPatterns {
		if _, err := expr.Eval(pattern.FileID, pattern); err != nil {
			return fmt.Errorf("CEL expression validation failed on pattern[%d]: %w", i, err)
		}
	}
	e.expr = expr
	e.isExpr = true
	return nil
}

func (e *ExprOrString) Eval(target string, c *gdwatchevent.Change) (string, error) {
	if !e.isExpr {
		return e.value, nil
	}
	return e.expr.Eval(target, c)
}

func (e *ExprOrString) IsExpr() bool {
	return e.isExpr
}

func (e *ExprOrString) Raw() string {
	return e.raw
}

// ExprOrBool holds either a CEL bool expression or a static bool value.
type ExprOrBool struct {
	raw    string
	value  bool
	expr   *ChangeFilter
	isExpr bool
}

func (e *ExprOrBool) UnmarshalYAML(data []byte) error {
	return yaml.Unmarshal(data, &e.raw)
}

// Bind compiles the expression if valid, otherwise parses a static bool.
func (e *ExprOrBool) Bind(env *CELEnv) error {
	expr, err := env.Compile(e.raw)
	if err != nil {
		switch e.raw {
		case "true":
			e.value = true
		case "false":
			e.value = false
		default:
			return fmt.Errorf("invalid bool value: %s", e.raw)
		}
		return nil
	}
	for i, pattern := range env.validationPatterns {
		if _, err := expr.Match(pattern.FileID, pattern); err != nil {
			return fmt.Errorf("CEL expression validation failed on pattern[%d]: %w", i, err)
		}
	}
	e.expr = expr
	e.isExpr = true
	return nil
}

func (e *ExprOrBool) Eval(target string, c *gdwatchevent.Change) (bool, error) {
	if !e.isExpr {
		return e.value, nil
	}
	return e.expr.Match(target, c)
}

func (e *ExprOrBool) IsExpr() bool {
	return e.isExpr
}

func (e *ExprOrBool) Raw() string {
	return e.raw
}
