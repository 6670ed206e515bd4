package collect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// hookTimeout bounds a single hook script run.
const hookTimeout = 10 * time.Second

// HookResult lists what a hook script asked to add.
type HookResult struct {
	Resources []string
	Binaries  []string
}

// RunHookScript executes a Lua build hook in a restricted state. Scripts see
// the read-only table `app` {name, version, strategy} and may call
// resource(glob) and binary(path). Relative paths resolve against the
// script's directory.
func RunHookScript(ctx context.Context, scriptPath string, desc *domain.BuildDescriptor) (*HookResult, error) {
	code, err := os.ReadFile(scriptPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &domain.ResourceNotFound{Kind: "hook script", Path: scriptPath}
		}
		return nil, fmt.Errorf("failed to read hook script: %w", err)
	}

	L := newHookState()
	defer L.Close()

	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()
	L.SetContext(ctx)

	baseDir := filepath.Dir(scriptPath)
	result := &HookResult{}
	collectInto := func(dst *[]string) lua.LGFunction {
		return func(L *lua.LState) int {
			p := L.CheckString(1)
			if !filepath.IsAbs(p) {
				p = filepath.Join(baseDir, p)
			}
			*dst = append(*dst, p)
			return 0
		}
	}
	L.SetGlobal("resource", L.NewFunction(collectInto(&result.Resources)))
	L.SetGlobal("binary", L.NewFunction(collectInto(&result.Binaries)))
	L.SetGlobal("app", readOnlyTable(L, map[string]string{
		"name":     desc.Name,
		"version":  desc.Version,
		"strategy": string(desc.Strategy()),
	}))

	fn, err := L.LoadString(string(code))
	if err != nil {
		return nil, fmt.Errorf("failed to load hook script %s: %w", scriptPath, err)
	}
	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, fmt.Errorf("hook script %s failed: %w", scriptPath, err)
	}
	return result, nil
}

// newHookState opens only the base, string and table libraries and removes
// the base functions that reach the filesystem.
func newHookState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openLib := func(name string, f lua.LGFunction) {
		L.Push(L.NewFunction(f))
		L.Push(lua.LString(name))
		L.Call(1, 0)
	}
	openLib(lua.BaseLibName, lua.OpenBase)
	openLib(lua.StringLibName, lua.OpenString)
	openLib(lua.TabLibName, lua.OpenTable)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func readOnlyTable(L *lua.LState, fields map[string]string) *lua.LTable {
	data := L.NewTable()
	for k, v := range fields {
		data.RawSetString(k, lua.LString(v))
	}
	proxy := L.NewTable()
	meta := L.NewTable()
	meta.RawSetString("__index", data)
	meta.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("app is read-only")
		return 0
	}))
	L.SetMetatable(proxy, meta)
	return proxy
}
