package compiler

import "encoding/binary"

// linkedCode returns the code with every call site resolved by the backend of the module.
//
// Resolution depends only on the module, so it runs once and the result is shared by all instances.
func (cm *CompiledModule) linkedCode() ([]byte, error) {
	cm.linkOnce.Do(func() {
		cm.linked, cm.linkErr = cm.backend.link(cm)
	})
	return cm.linked, cm.linkErr
}

// linkBytecode resolves the call sites of spvm64: a call to a function defined by the module gets the callee's
// entry offset, and a call to an import gets importFlag|importIndex, dispatched through the calling instance's
// functions at run time.
func linkBytecode(cm *CompiledModule) ([]byte, error) {
	code := make([]byte, len(cm.Code))
	copy(code, cm.Code)
	importFuncs := cm.Module.ImportFuncCount()
	for i := range cm.Functions {
		for _, r := range cm.Functions[i].Relocations {
			var callee uint32
			if r.FunctionIndex < importFuncs {
				callee = importFlag | r.FunctionIndex
			} else {
				callee = uint32(cm.Functions[r.FunctionIndex-importFuncs].Entry)
			}
			binary.LittleEndian.PutUint32(code[r.Offset:], callee)
		}
	}
	return code, nil
}
