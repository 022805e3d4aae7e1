package compiler

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/spwasm/spwasm/internal/testing/modgen"
	"github.com/spwasm/spwasm/internal/wasm"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

var (
	v_v        = &wasm.FunctionType{}
	v_i32      = &wasm.FunctionType{Results: []wasm.ValueType{wasm.ValueTypeI32}}
	i32_v      = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}}
	i32_i32    = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}
	i64_i64    = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI64}, Results: []wasm.ValueType{wasm.ValueTypeI64}}
	i32i32_v   = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}}
	i32i32_i32 = &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
		Results: []wasm.ValueType{wasm.ValueTypeI32},
	}
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testResolver resolves imports by "module.name".
type testResolver map[string]*wasm.Extern

func (r testResolver) ResolveImport(module, name string) (*wasm.Extern, bool) {
	ext, ok := r[module+"."+name]
	return ext, ok
}

// runModule returns a module with one memory page and a single function exported as "run".
func runModule(sig *wasm.FunctionType, body []byte, localTypes ...wasm.ValueType) *wasm.Module {
	return &wasm.Module{
		TypeSection:     []*wasm.FunctionType{sig},
		FunctionSection: []wasm.Index{0},
		MemorySection:   []*wasm.MemoryType{{Min: 1, Max: 2, IsMaxEncoded: true}},
		ExportSection:   []*wasm.Export{{Type: wasm.ExternTypeFunc, Name: "run", Index: 0}},
		CodeSection:     []*wasm.Code{{LocalTypes: localTypes, Body: body}},
	}
}

// interpreterEngine returns an Engine emitting spvm64, whose code is the same on every platform.
func interpreterEngine(workers int) *Engine {
	return newEngine(nil, interpreterBackend, workers, 0)
}

func compile(t *testing.T, e *Engine, m *wasm.Module) *CompiledModule {
	require.NoError(t, m.Validate(wasm.MemoryLimitPages))
	cm, err := e.CompileModule(testCtx, m)
	require.NoError(t, err)
	require.NoError(t, cm.verify())
	return cm
}

func instantiate(t *testing.T, e *Engine, cm *CompiledModule, name string, resolver wasm.ImportResolver) *wasm.ModuleInstance {
	if resolver == nil {
		resolver = testResolver{}
	}
	inst, err := wasm.NewModuleInstance(cm.Module, name, resolver, wasm.MemoryLimitPages)
	require.NoError(t, err)
	inst.Engine, err = e.NewModuleEngine(cm, inst)
	require.NoError(t, err)
	require.NoError(t, inst.ApplySegments())
	return inst
}

func TestEngine_CompileModule_Layout(t *testing.T) {
	cm := compile(t, interpreterEngine(1), modgen.ManyFunctionsModule(3))
	require.Equal(t, "spvm64", cm.Target())

	// Three stubs of 38 bytes, main calling them and single calling the first, each aligned to 8 bytes.
	require.Equal(t, []FunctionRecord{
		{Entry: 0, Length: 38},
		{Entry: 40, Length: 38},
		{Entry: 80, Length: 38},
		{Entry: 120, Length: 65, Relocations: []Relocation{
			{Offset: 141, FunctionIndex: 0},
			{Offset: 150, FunctionIndex: 1},
			{Offset: 159, FunctionIndex: 2},
		}},
		{Entry: 192, Length: 47, Relocations: []Relocation{{Offset: 213, FunctionIndex: 0}}},
	}, cm.Functions)
	require.Equal(t, 239, len(cm.Code))
	require.Nil(t, cm.Module.CodeSection)
	require.Equal(t, 4, cm.RelocationCount())

	// Padding is unreachable.
	require.Equal(t, []byte{opUnreachable, opUnreachable}, cm.Code[38:40])

	// Relocations stay placeholders in the compiled module.
	for _, f := range cm.Functions {
		for _, r := range f.Relocations {
			require.Equal(t, unlinkedCallee, binary.LittleEndian.Uint32(cm.Code[r.Offset:]))
		}
	}

	linked, err := cm.linkedCode()
	require.NoError(t, err)
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(linked[141:]))
	require.Equal(t, uint32(40), binary.LittleEndian.Uint32(linked[150:]))
	require.Equal(t, uint32(80), binary.LittleEndian.Uint32(linked[159:]))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(linked[213:]))
	// Linking doesn't modify the module and is done once.
	require.Equal(t, unlinkedCallee, binary.LittleEndian.Uint32(cm.Code[141:]))
	again, err := cm.linkedCode()
	require.NoError(t, err)
	require.Equal(t, &linked[0], &again[0])
}

func TestEngine_CompileModule_LinkImport(t *testing.T) {
	m := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{v_v},
		ImportSection:   []*wasm.Import{{Type: wasm.ExternTypeFunc, Module: "env", Name: "f", DescFunc: 0}},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{Body: []byte{wasm.OpcodeCall, 0, wasm.OpcodeCall, 1, wasm.OpcodeEnd}}},
	}
	cm := compile(t, interpreterEngine(1), m)
	require.Equal(t, []Relocation{{Offset: 21, FunctionIndex: 0}, {Offset: 30, FunctionIndex: 1}}, cm.Functions[0].Relocations)

	linked, err := cm.linkedCode()
	require.NoError(t, err)
	require.Equal(t, importFlag, binary.LittleEndian.Uint32(linked[21:]))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(linked[30:]))
}

func TestEngine_CompileModule_Deterministic(t *testing.T) {
	m := modgen.ManyFunctionsModule(1000)
	require.NoError(t, m.Validate(wasm.MemoryLimitPages))

	for _, b := range backends {
		t.Run(b.target, func(t *testing.T) {
			sequential, err := newEngine(nil, b, 1, 0).CompileModule(testCtx, m)
			require.NoError(t, err)
			for _, workers := range []int{2, 8, 32} {
				parallel, err := newEngine(nil, b, workers, 0).CompileModule(testCtx, m)
				require.NoError(t, err)
				require.Equal(t, sequential.Code, parallel.Code)
				require.Equal(t, sequential.Functions, parallel.Functions)
			}
		})
	}
}

func TestEngine_CompileModule_LowestFailingFunction(t *testing.T) {
	m := &wasm.Module{TypeSection: []*wasm.FunctionType{v_v}}
	unsupported := []byte{wasm.OpcodeF32Const, 0, 0, 0, 0, wasm.OpcodeF32Const, 0, 0, 0, 0, wasm.OpcodeF32Min, wasm.OpcodeDrop, wasm.OpcodeEnd}
	for i := 0; i < 300; i++ {
		body := []byte{wasm.OpcodeEnd}
		if i == 70 || i == 150 || i == 299 {
			body = unsupported
		}
		m.FunctionSection = append(m.FunctionSection, 0)
		m.CodeSection = append(m.CodeSection, &wasm.Code{Body: body})
	}
	require.NoError(t, m.Validate(wasm.MemoryLimitPages))

	for _, workers := range []int{1, 4} {
		cm, err := NewEngine(nil, workers, 0).CompileModule(testCtx, m)
		require.Nil(t, cm)
		require.EqualError(t, err, "compilation failed at function[70] offset 0xa: unsupported instruction: f32.min")
	}
}

func TestEngine_CompileModule_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(testCtx)
	cancel()
	cm, err := NewEngine(nil, 4, 0).CompileModule(ctx, modgen.ManyFunctionsModule(1000))
	require.Nil(t, cm)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCompiledModule_verify(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(cm *CompiledModule)
		expectedErr string
	}{
		{
			name:        "missing record",
			mutate:      func(cm *CompiledModule) { cm.Functions = cm.Functions[:1] },
			expectedErr: "1 function records for 3 functions",
		},
		{
			name:        "entry",
			mutate:      func(cm *CompiledModule) { cm.Functions[1].Entry = 48 },
			expectedErr: "function[1]: entry 0x30, expected 0x28",
		},
		{
			name:        "length",
			mutate:      func(cm *CompiledModule) { cm.Functions[2].Length = 1000 },
			expectedErr: "function[2]: length 1000 out of range",
		},
		{
			name:        "frame size",
			mutate:      func(cm *CompiledModule) { cm.Functions[0].FrameSize = 3 },
			expectedErr: "function[0]: header mismatch",
		},
		{
			name:        "relocation target",
			mutate:      func(cm *CompiledModule) { cm.Functions[2].Relocations[0].FunctionIndex = 3 },
			expectedErr: "function[2]: relocation target 3 out of range",
		},
		{
			name:        "relocation offset",
			mutate:      func(cm *CompiledModule) { cm.Functions[2].Relocations[0].Offset = 90 },
			expectedErr: "function[2]: relocation offset 0x5a out of range",
		},
		{
			name:        "relocation not a call",
			mutate:      func(cm *CompiledModule) { cm.Functions[2].Relocations[0].Offset++ },
			expectedErr: "function[2]: relocation at 0x6e is not a call",
		},
		{
			name:        "trailing code",
			mutate:      func(cm *CompiledModule) { cm.Code = append(cm.Code, 0) },
			expectedErr: "code length 136, expected 135",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			cm := compile(t, interpreterEngine(1), modgen.ManyFunctionsModule(1))
			tc.mutate(cm)
			require.EqualError(t, cm.verify(), tc.expectedErr)
		})
	}
}

func TestNewEngineForTarget(t *testing.T) {
	require.Equal(t, Target, Targets()[0])
	for _, target := range Targets() {
		e, err := NewEngineForTarget(nil, target, 1, 0)
		require.NoError(t, err)
		require.Equal(t, target, e.Target())
	}

	_, err := NewEngineForTarget(nil, "riscv64", 1, 0)
	require.EqualError(t, err, fmt.Sprintf("unsupported target \"riscv64\": available targets are %v", Targets()))
}

func TestEngine_NewModuleEngine_TargetMismatch(t *testing.T) {
	cm := compile(t, interpreterEngine(1), modgen.ManyFunctionsModule(1))
	inst, err := wasm.NewModuleInstance(cm.Module, "test", testResolver{}, wasm.MemoryLimitPages)
	require.NoError(t, err)

	other := newEngine(nil, &backend{target: "other"}, 1, 0)
	_, err = other.NewModuleEngine(cm, inst)
	require.EqualError(t, err, "module compiled for spvm64, engine runs other")
}
