package executors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/task"
)

// maxCachedPrograms bounds the compiled program cache; it is reset when full
const maxCachedPrograms = 256

// sandboxedGlobals are removed from every runtime before the script runs
var sandboxedGlobals = []string{
	"require", "module", "exports", "process", "global",
	"__dirname", "__filename", "Buffer", "setImmediate", "clearImmediate",
}

// ScriptExecutor runs a JavaScript transform. The script must define
// main(input, config) and its return value becomes the node output.
//
// Config: script (required). Every other key is passed to main as config.
type ScriptExecutor struct {
	logger *zap.Logger

	mu       sync.Mutex
	programs map[string]*goja.Program
}

// NewScriptExecutor creates the script executor
func NewScriptExecutor(logger *zap.Logger) *ScriptExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptExecutor{
		logger:   logger,
		programs: make(map[string]*goja.Program),
	}
}

// Execute implements task.Executor
func (e *ScriptExecutor) Execute(ctx context.Context, input map[string]interface{}, ec *task.ExecContext) (result interface{}, err error) {
	var cfg map[string]interface{}
	if ec != nil {
		cfg = ec.Config
	}
	source, err := requiredString(cfg, "script")
	if err != nil {
		return nil, err
	}
	program, err := e.compile(source)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for _, name := range sandboxedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("failed to sandbox %s: %w", name, err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = talerrors.Newf(talerrors.KindExecutorError, "script panicked: %v", r)
		}
	}()

	started := time.Now()
	if _, err := vm.RunProgram(program); err != nil {
		return nil, e.scriptError(ctx, err)
	}
	main, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return nil, configError("script does not define a main function")
	}

	value, err := main(goja.Undefined(), vm.ToValue(input), vm.ToValue(scriptConfig(cfg)))
	if err != nil {
		return nil, e.scriptError(ctx, err)
	}

	if ce := e.logger.Check(zap.DebugLevel, "Script finished"); ce != nil {
		ce.Write(zap.Duration("duration", time.Since(started)))
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// compile returns the cached program for source, compiling it on first use
func (e *ScriptExecutor) compile(source string) (*goja.Program, error) {
	sum := sha256.Sum256([]byte(source))
	key := hex.EncodeToString(sum[:])

	e.mu.Lock()
	program, ok := e.programs[key]
	e.mu.Unlock()
	if ok {
		return program, nil
	}

	program, err := goja.Compile("script.js", source, true)
	if err != nil {
		return nil, configError("script does not compile: %v", err)
	}

	e.mu.Lock()
	if len(e.programs) >= maxCachedPrograms {
		e.programs = make(map[string]*goja.Program)
	}
	e.programs[key] = program
	e.mu.Unlock()
	return program, nil
}

// CachedPrograms returns the number of compiled programs held
func (e *ScriptExecutor) CachedPrograms() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.programs)
}

func (e *ScriptExecutor) scriptError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return talerrors.New(talerrors.KindTimedOut, "script interrupted at deadline", ctx.Err())
		}
		return talerrors.New(talerrors.KindCancelled, "script interrupted", ctx.Err())
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return talerrors.Permanent(talerrors.Newf(talerrors.KindExecutorError, "script threw: %s", exc.Error()))
	}
	return talerrors.New(talerrors.KindExecutorError, "script failed", err)
}

// scriptConfig is the node config without the script source
func scriptConfig(cfg map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		if k == "script" {
			continue
		}
		out[k] = v
	}
	return out
}
