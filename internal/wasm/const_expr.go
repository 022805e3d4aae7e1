package wasm

import (
	"encoding/binary"
	"fmt"

	"github.com/spwasm/spwasm/internal/leb128"
)

// validateConstExpression checks the initializer of a global or segment offset produces the expected type.
// global.get may only refer to imported globals, which are immutable in WebAssembly 1.0.
func validateConstExpression(importedGlobals []*GlobalType, expr *ConstantExpression, expected ValueType) error {
	var actual ValueType
	switch expr.Opcode {
	case OpcodeI32Const:
		if _, _, err := leb128.LoadInt32(expr.Data); err != nil {
			return fmt.Errorf("read i32: %w", err)
		}
		actual = ValueTypeI32
	case OpcodeI64Const:
		if _, _, err := leb128.LoadInt64(expr.Data); err != nil {
			return fmt.Errorf("read i64: %w", err)
		}
		actual = ValueTypeI64
	case OpcodeF32Const:
		if len(expr.Data) != 4 {
			return fmt.Errorf("read f32: invalid length %d", len(expr.Data))
		}
		actual = ValueTypeF32
	case OpcodeF64Const:
		if len(expr.Data) != 8 {
			return fmt.Errorf("read f64: invalid length %d", len(expr.Data))
		}
		actual = ValueTypeF64
	case OpcodeGlobalGet:
		idx, _, err := leb128.LoadUint32(expr.Data)
		if err != nil {
			return fmt.Errorf("read global index: %w", err)
		}
		if int(idx) >= len(importedGlobals) {
			return fmt.Errorf("global.get %d in a constant expression must refer to an imported global", idx)
		}
		actual = importedGlobals[idx].ValType
	default:
		return fmt.Errorf("invalid opcode for a constant expression: %#x", expr.Opcode)
	}
	if actual != expected {
		return fmt.Errorf("constant expression type mismatch: expected %s, but was %s",
			ValueTypeName(expected), ValueTypeName(actual))
	}
	return nil
}

// evaluateConstExpression returns the value of an initializer which was already validated.
func evaluateConstExpression(expr *ConstantExpression, globals []*GlobalInstance) uint64 {
	switch expr.Opcode {
	case OpcodeI32Const:
		v, _, _ := leb128.LoadInt32(expr.Data)
		return uint64(uint32(v))
	case OpcodeI64Const:
		v, _, _ := leb128.LoadInt64(expr.Data)
		return uint64(v)
	case OpcodeF32Const:
		return uint64(binary.LittleEndian.Uint32(expr.Data))
	case OpcodeF64Const:
		return binary.LittleEndian.Uint64(expr.Data)
	case OpcodeGlobalGet:
		idx, _, _ := leb128.LoadUint32(expr.Data)
		return globals[idx].Val
	}
	panic(fmt.Sprintf("BUG: invalid constant expression %#x", expr.Opcode))
}
