// Package lua hosts user-supplied Lua scripts that decode device frames.
package lua

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

// ErrRejected is returned by CallFrame when the script returns nil, meaning
// the frame is not valid.
var ErrRejected = errors.New("frame rejected by script")

// LuaError represents detailed Lua execution errors
type LuaError struct {
	Type       string // "syntax", "runtime", "api"
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *LuaError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}

	prefix := "Lua error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("Lua %s error (%s)", e.Type, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *LuaError) Unwrap() error {
	return e.Underlying
}

func (e *LuaError) Is(target error) bool {
	if target == nil {
		return false
	}
	var luaErr *LuaError
	if errors.As(target, &luaErr) {
		return e.Type == luaErr.Type
	}
	return false
}

// Engine owns one Lua state. All calls are serialized.
type Engine struct {
	state      *lua.State
	stateMutex sync.Mutex
	logger     *logrus.Logger
	name       string
}

// NewEngine creates an engine with the standard libraries loaded and print
// redirected to the logger at debug level.
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{logger: logger}
	e.Reset()
	return e
}

func (e *Engine) registerPrintInternal() {
	e.state.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			case L.IsNumber(i):
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		e.logger.WithField("script", e.name).Debug(strings.Join(parts, "\t"))
		return 0
	})
	e.state.SetGlobal("print")
}

// parseLuaError splits "chunk:line: message" into its parts.
func parseLuaError(errType, source string, err error) *LuaError {
	msg := err.Error()
	line := 0
	message := msg
	if parts := strings.SplitN(msg, ":", 3); len(parts) == 3 {
		if parsed, scanErr := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &line); scanErr == nil && parsed == 1 {
			message = strings.TrimSpace(parts[2])
		}
	}
	return &LuaError{
		Type:       errType,
		Message:    message,
		Line:       line,
		Source:     source,
		Underlying: err,
	}
}

// LoadScript compiles and runs script so that its functions become globals.
func (e *Engine) LoadScript(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &LuaError{Type: "api", Message: "empty script", Source: name}
	}

	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state == nil {
		return &LuaError{Type: "api", Message: "engine closed", Source: name}
	}

	e.name = name
	L := e.state
	top := L.GetTop()
	defer L.SetTop(top)

	if status := L.LoadString(script); status != 0 {
		msg := "syntax error"
		if L.IsString(-1) {
			msg = L.ToString(-1)
		}
		return parseLuaError("syntax", name, errors.New(msg))
	}
	if err := L.Call(0, 0); err != nil {
		return parseLuaError("runtime", name, err)
	}
	return nil
}

// HasFunction reports whether a global function called name is defined.
func (e *Engine) HasFunction(name string) bool {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state == nil {
		return false
	}
	e.state.GetGlobal(name)
	defer e.state.Pop(1)
	return e.state.IsFunction(-1)
}

// CallFrame calls fn(frame) where frame is a 1-based table of byte values.
// fn returns a table of channel values (or nil to reject the frame) and an
// optional package number.
func (e *Engine) CallFrame(fn string, frame []byte) ([]float64, float64, error) {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state == nil {
		return nil, 0, &LuaError{Type: "api", Message: "engine closed", Source: e.name}
	}

	L := e.state
	top := L.GetTop()
	defer L.SetTop(top)

	L.GetGlobal(fn)
	if !L.IsFunction(-1) {
		return nil, 0, &LuaError{Type: "api", Message: fmt.Sprintf("function %s not found or not a function", fn), Source: e.name}
	}

	L.CreateTable(len(frame), 0)
	for i, b := range frame {
		L.PushInteger(int64(b))
		L.RawSeti(-2, i+1)
	}

	if err := L.Call(1, 2); err != nil {
		return nil, 0, parseLuaError("runtime", e.name, err)
	}

	valuesIdx := top + 1
	pkgIdx := top + 2

	if L.IsNil(valuesIdx) {
		return nil, 0, ErrRejected
	}
	if !L.IsTable(valuesIdx) {
		return nil, 0, &LuaError{Type: "api", Message: fmt.Sprintf("%s must return a table or nil", fn), Source: e.name}
	}

	n := int(L.ObjLen(valuesIdx))
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		L.RawGeti(valuesIdx, i+1)
		if !L.IsNumber(-1) {
			L.Pop(1)
			return nil, 0, &LuaError{Type: "api", Message: fmt.Sprintf("%s returned a non-number at index %d", fn, i+1), Source: e.name}
		}
		values[i] = L.ToNumber(-1)
		L.Pop(1)
	}

	var pkg float64
	if L.IsNumber(pkgIdx) {
		pkg = L.ToNumber(pkgIdx)
	}
	return values, pkg, nil
}

// SetGlobal sets a global variable. Globals set before LoadScript are
// visible while the script body runs.
func (e *Engine) SetGlobal(name string, value interface{}) error {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state == nil {
		return &LuaError{Type: "api", Message: "engine closed"}
	}

	switch v := value.(type) {
	case string:
		e.state.PushString(v)
	case int:
		e.state.PushInteger(int64(v))
	case int64:
		e.state.PushInteger(v)
	case float64:
		e.state.PushNumber(v)
	case bool:
		e.state.PushBoolean(v)
	default:
		return fmt.Errorf("unsupported type for global variable %s", name)
	}
	e.state.SetGlobal(name)
	return nil
}

// Reset recreates the Lua state
func (e *Engine) Reset() {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state != nil {
		e.state.Close()
	}
	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerPrintInternal()
}

// Close cleans up the engine
func (e *Engine) Close() {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}
