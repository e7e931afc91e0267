// Package wasmplugin runs WebAssembly modules as transform plugins.
//
// A guest exports its linear memory, allocate(size i32) i32 and
// transform(ptr i32, len i32) i64. The host copies the artifact into
// memory returned by allocate and calls transform, which answers with a
// pointer and length packed into one i64 (pointer in the high half). A
// zero answer means the guest has nothing to say about the artifact.
package wasmplugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/machine"
)

// HostModule is the import namespace of host functions offered to guests.
const HostModule = "littlebook"

var ErrMissingExport = errors.New("wasmplugin: missing export")

// Runtime compiles and runs guest modules. Compiled modules are cached by
// address; every call gets a fresh instance.
type Runtime struct {
	rt  wazero.Runtime
	log *slog.Logger

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

func NewRuntime(ctx context.Context) (*Runtime, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)
	r := &Runtime{
		rt:       rt,
		log:      slog.Default(),
		compiled: make(map[string]wazero.CompiledModule),
	}
	if err := r.registerHostFunctions(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmplugin: host functions: %w", err)
	}
	return r, nil
}

func (r *Runtime) registerHostFunctions(ctx context.Context) error {
	_, err := r.rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, packed uint64) {
			ptr, length := unpack(packed)
			msg, ok := m.Memory().Read(ptr, length)
			if !ok {
				return
			}
			r.log.Info("wasm plugin", "module", m.Name(), "msg", string(msg))
		}).
		Export("log").
		Instantiate(ctx)
	return err
}

func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// Load reads the module at address from envs and compiles it.
func (r *Runtime) Load(ctx context.Context, envs *env.Registry, address string) (*Transformer, error) {
	r.mu.Lock()
	compiled, ok := r.compiled[address]
	r.mu.Unlock()
	if ok {
		return &Transformer{r: r, address: address, compiled: compiled}, nil
	}

	e, err := envs.ForAddress(address)
	if err != nil {
		return nil, err
	}
	code, err := e.Read(ctx, address)
	if err != nil {
		return nil, err
	}
	compiled, err = r.rt.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("wasmplugin: compile %s: %w", address, err)
	}
	fns := compiled.ExportedFunctions()
	for _, name := range []string{"allocate", "transform"} {
		if _, ok := fns[name]; !ok {
			compiled.Close(ctx)
			return nil, fmt.Errorf("%w %q in %s", ErrMissingExport, name, address)
		}
	}
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		compiled.Close(ctx)
		return nil, fmt.Errorf("%w \"memory\" in %s", ErrMissingExport, address)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.compiled[address]; ok {
		compiled.Close(ctx)
		compiled = existing
	} else {
		r.compiled[address] = compiled
	}
	return &Transformer{r: r, address: address, compiled: compiled}, nil
}

// Forget drops the compiled module for address so the next Load reads it
// again.
func (r *Runtime) Forget(ctx context.Context, address string) {
	r.mu.Lock()
	compiled, ok := r.compiled[address]
	delete(r.compiled, address)
	r.mu.Unlock()
	if ok {
		compiled.Close(ctx)
	}
}

// Transformer runs one compiled guest.
type Transformer struct {
	r        *Runtime
	address  string
	compiled wazero.CompiledModule
}

// Transform passes input through the guest. A nil result with a nil
// error means the guest abstained.
func (t *Transformer) Transform(ctx context.Context, input []byte) ([]byte, error) {
	mod, err := t.r.rt.InstantiateModule(ctx, t.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("wasmplugin: instantiate %s: %w", t.address, err)
	}
	defer mod.Close(ctx)

	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			return nil, fmt.Errorf("wasmplugin: %s: _initialize: %w", t.address, err)
		}
	}

	res, err := mod.ExportedFunction("allocate").Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("wasmplugin: %s: allocate: %w", t.address, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("wasmplugin: %s: allocate returned no results", t.address)
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, input) {
		return nil, fmt.Errorf("wasmplugin: %s: input does not fit guest memory", t.address)
	}

	res, err = mod.ExportedFunction("transform").Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("wasmplugin: %s: transform: %w", t.address, err)
	}
	if len(res) == 0 || res[0] == 0 {
		return nil, nil
	}
	outPtr, outLen := unpack(res[0])
	out, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("wasmplugin: %s: result out of range", t.address)
	}
	// guest memory goes away with the instance
	return append([]byte{}, out...), nil
}

func unpack(packed uint64) (uint32, uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// Options configure a plugin backed by a guest module.
type Options struct {
	// Name defaults to the module address.
	Name string
	// Module is the address of the .wasm file.
	Module string
	// Filter selects the request addresses the guest transforms.
	Filter *regexp.Regexp
	// ContentType, if set, replaces the artifact's content type.
	ContentType string
}

// Plugin returns a machine plugin that runs the guest over the contents
// of matching requests. The module is loaded on first use through the
// machine's Environments.
func (r *Runtime) Plugin(opts Options) machine.Plugin {
	name := opts.Name
	if name == "" {
		name = opts.Module
	}
	return machine.Plugin{
		Name: name,
		Setup: func(b *machine.Build) {
			b.OnTransform(machine.HookOptions{Filter: opts.Filter}, func(ctx context.Context, args machine.TransformArgs) (*machine.TransformResult, error) {
				t, err := r.Load(ctx, b.Context.Envs, opts.Module)
				if err != nil {
					return nil, err
				}
				out, err := t.Transform(ctx, args.Contents)
				if err != nil || out == nil {
					return nil, err
				}
				result := &machine.TransformResult{Contents: out}
				if opts.ContentType != "" {
					result.Headers = machine.Headers{"content-type": opts.ContentType}
				}
				return result, nil
			})
		},
	}
}
