package workflows

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"HumanLoop/internal/engine"
	xerrors "HumanLoop/internal/errors"
	"HumanLoop/internal/humantask"
)

// RunnerFunc 是擦除了输入类型的工作流入口，输入为原始 JSON。
type RunnerFunc func(wf *engine.Workflow, input []byte) (any, error)

// Registry 按名称保存可通过网关启动的工作流，可并发使用。
type Registry struct {
	mu      sync.RWMutex
	runners map[string]RunnerFunc
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]RunnerFunc)}
}

// Register 注册带类型输入的工作流，输入在调用前按 JSON 解码为 T。
func Register[T, O any](r *Registry, name string, handler func(wf *engine.Workflow, input T) (O, error)) {
	runner := func(wf *engine.Workflow, input []byte) (any, error) {
		var t T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &t); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err,
					fmt.Sprintf("解析工作流 %s 的输入失败", name), xerrors.WithRetryable(false))
			}
		}
		return handler(wf, t)
	}
	r.mu.Lock()
	r.runners[name] = runner
	r.mu.Unlock()
}

// Get 返回指定名称的工作流。
func (r *Registry) Get(name string) (RunnerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	return runner, ok
}

// Names 返回已注册的工作流名称，按字典序排列。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default 注册全部演示工作流。
func Default(req *humantask.Requestor) *Registry {
	r := NewRegistry()
	Register(r, "addDigitsInStringTogether", func(wf *engine.Workflow, input string) (int, error) {
		return AddDigitsInStringTogether(wf, req, input)
	})
	Register(r, "writeDigitsInWords", func(wf *engine.Workflow, input string) (string, error) {
		return WriteDigitsInWords(wf, req, input)
	})
	return r
}
