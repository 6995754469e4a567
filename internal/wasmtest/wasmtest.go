// Package wasmtest assembles minimal wasm guest images in memory for tests,
// so load, reload, fault and state-transfer paths can be exercised against
// the real runtime without an external guest toolchain.
//
// Every built module exports a one-page memory and an entry function with the
// guest contract signature (i32)->i32 that returns the operation value it was
// called with. The step operation (op == 1) can be given a custom instruction
// sequence to simulate faults, failures or state mutation.
package wasmtest

// Canned instruction fragments for the step branch.
var (
	// StepTrapUnreachable executes an unreachable instruction.
	StepTrapUnreachable = []byte{0x00}

	// StepTrapOOB loads from linear-memory address -1.
	StepTrapOOB = []byte{
		0x41, 0x7F, // i32.const -1
		0x28, 0x02, 0x00, // i32.load align=2 offset=0
		0x1A, // drop
	}
)

// StepFail returns an instruction fragment that makes the step operation
// return the given (typically negative) constant.
func StepFail(v int32) []byte {
	frag := []byte{0x41}
	frag = append(frag, sleb(int64(v))...)
	frag = append(frag, 0x0F) // return

	return frag
}

// StepIncrement returns a fragment that increments the little-endian i32
// counter stored at addr on every step.
func StepIncrement(addr uint32) []byte {
	a := sleb(int64(addr))
	frag := []byte{0x41}
	frag = append(frag, a...) // i32.const addr
	frag = append(frag, 0x41)
	frag = append(frag, a...)                   // i32.const addr
	frag = append(frag, 0x28, 0x02, 0x00)       // i32.load
	frag = append(frag, 0x41, 0x01)             // i32.const 1
	frag = append(frag, 0x6A)                   // i32.add
	frag = append(frag, 0x36, 0x02, 0x00)       // i32.store

	return frag
}

type guest struct {
	entryName string
	hasState  bool
	stateBase uint32
	stateLen  uint32
	dataOff   uint32
	data      []byte
	stepCode  []byte
	loadCode  []byte
}

// Option customizes a built module.
type Option func(*guest)

// WithState exports StateBase/StateLen publishing the given region.
func WithState(base, length uint32) Option {
	return func(g *guest) {
		g.hasState = true
		g.stateBase = base
		g.stateLen = length
	}
}

// WithData seeds linear memory at offset with data.
func WithData(offset uint32, data []byte) Option {
	return func(g *guest) {
		g.dataOff = offset
		g.data = data
	}
}

// WithStep installs raw instruction bytes executed when op == 1.
func WithStep(code []byte) Option {
	return func(g *guest) { g.stepCode = code }
}

// WithLoad installs raw instruction bytes executed when op == 0.
func WithLoad(code []byte) Option {
	return func(g *guest) { g.loadCode = code }
}

// WithEntryName overrides the exported entry point name, e.g. to build a
// module missing the required symbol.
func WithEntryName(name string) Option {
	return func(g *guest) { g.entryName = name }
}

// Module assembles a wasm binary for the configured guest.
func Module(opts ...Option) []byte {
	g := &guest{entryName: "Execute"}
	for _, o := range opts {
		o(g)
	}

	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00} // \0asm v1

	// Type section: t0 (i32)->i32, t1 ()->i32.
	types := concat(
		uleb(2),
		[]byte{0x60, 0x01, 0x7F, 0x01, 0x7F},
		[]byte{0x60, 0x00, 0x01, 0x7F},
	)
	out = append(out, section(1, types)...)

	// Function section.
	funcs := [][]byte{uleb(1), uleb(0)} // entry uses t0
	if g.hasState {
		funcs[0] = uleb(3)
		funcs = append(funcs, uleb(1), uleb(1)) // StateBase, StateLen use t1
	}
	out = append(out, section(3, concat(funcs...))...)

	// Memory section: one page, no max.
	out = append(out, section(5, []byte{0x01, 0x00, 0x01})...)

	// Export section.
	exports := [][]byte{
		exportEntry(g.entryName, 0x00, 0),
		exportEntry("memory", 0x02, 0),
	}
	if g.hasState {
		exports = append(exports,
			exportEntry("StateBase", 0x00, 1),
			exportEntry("StateLen", 0x00, 2),
		)
	}
	out = append(out, section(7, concat(append([][]byte{uleb(uint64(len(exports)))}, exports...)...))...)

	// Code section.
	bodies := [][]byte{funcBody(entryCode(g))}
	if g.hasState {
		bodies = append(bodies,
			funcBody(constReturn(g.stateBase)),
			funcBody(constReturn(g.stateLen)),
		)
	}
	out = append(out, section(10, concat(append([][]byte{uleb(uint64(len(bodies)))}, bodies...)...))...)

	// Data section.
	if len(g.data) > 0 {
		seg := concat(
			uleb(0), // memory index 0, active
			[]byte{0x41}, sleb(int64(g.dataOff)), []byte{0x0B},
			uleb(uint64(len(g.data))),
			g.data,
		)
		out = append(out, section(11, concat(uleb(1), seg))...)
	}

	return out
}

// entryCode emits:
//
//	if op == 0 { loadCode }
//	if op == 1 { stepCode }
//	return op
func entryCode(g *guest) []byte {
	var code []byte
	if len(g.loadCode) > 0 {
		code = append(code, opBranch(0, g.loadCode)...)
	}
	if len(g.stepCode) > 0 {
		code = append(code, opBranch(1, g.stepCode)...)
	}
	code = append(code, 0x20, 0x00) // local.get 0
	code = append(code, 0x0B)       // end

	return code
}

func opBranch(op int64, body []byte) []byte {
	frag := []byte{0x20, 0x00, 0x41} // local.get 0, i32.const
	frag = append(frag, sleb(op)...)
	frag = append(frag, 0x46)       // i32.eq
	frag = append(frag, 0x04, 0x40) // if (empty blocktype)
	frag = append(frag, body...)
	frag = append(frag, 0x0B) // end if

	return frag
}

func constReturn(v uint32) []byte {
	code := []byte{0x41}
	code = append(code, sleb(int64(v))...)
	code = append(code, 0x0B)

	return code
}

func funcBody(code []byte) []byte {
	content := append([]byte{0x00}, code...) // zero local declarations

	return concat(uleb(uint64(len(content))), content)
}

func exportEntry(name string, kind byte, index uint64) []byte {
	return concat(uleb(uint64(len(name))), []byte(name), []byte{kind}, uleb(index))
}

func section(id byte, payload []byte) []byte {
	return concat([]byte{id}, uleb(uint64(len(payload))), payload)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}

	return out
}
