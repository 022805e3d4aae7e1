package wasm

import "github.com/spwasm/spwasm/api"

// compile-time check to ensure TableInstance implements api.Table
var _ api.Table = &TableInstance{}

// TableInstance holds function references for call_indirect. A nil element is uninitialized.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#table-instances%E2%91%A0
type TableInstance struct {
	Elements []*FunctionInstance
	Min      uint32
	Max      *uint32
}

// NewTableInstance allocates a table of min uninitialized elements.
func NewTableInstance(min uint32, max *uint32) *TableInstance {
	return &TableInstance{Elements: make([]*FunctionInstance, min), Min: min, Max: max}
}

// Size implements api.Table Size
func (t *TableInstance) Size() uint32 {
	return uint32(len(t.Elements))
}
