package runtime

import (
	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

// Frame is the activation record of one call. It exclusively owns its locals
// and operand stack. A nil local is a slot that is unset or has been moved
// out of.
type Frame struct {
	fn       *Function
	typeArgs []types.Type
	locals   []Value
	values   []Value
	pc       int
}

func newFrame(fn *Function, typeArgs []types.Type) *Frame {
	return &Frame{
		fn:       fn,
		typeArgs: typeArgs,
		locals:   make([]Value, len(fn.LocalTypes)),
		values:   make([]Value, 0, 8),
	}
}

func (f *Frame) Function() *Function {
	return f.fn
}

func (f *Frame) Location() status.Location {
	return status.Location{Module: f.fn.Module.Name(), Function: f.fn.Name, Offset: f.pc}
}

func (f *Frame) PushValue(v Value) {
	f.values = append(f.values, v)
}

func (f *Frame) PopOneValue() Value {
	stackLen := len(f.values)
	if stackLen <= 0 {
		panic("Stack underflow detected.")
	}

	result := f.values[stackLen-1]
	f.values[stackLen-1] = nil
	f.values = f.values[:stackLen-1]
	return result
}

// Pops the top two values, returning them in push order: snd was on top.
func (f *Frame) PopTwoValues() (fst Value, snd Value) {
	stackLen := len(f.values)
	if stackLen <= 1 {
		panic("Stack underflow detected.")
	}

	r1 := f.values[stackLen-2]
	r2 := f.values[stackLen-1]
	f.values = f.values[:stackLen-2]
	return r1, r2
}

// Pops n values, returning them in push order.
func (f *Frame) PopValues(n int) []Value {
	stackLen := len(f.values)
	if stackLen < n {
		panic("Stack underflow detected.")
	}
	res := make([]Value, n)
	copy(res, f.values[stackLen-n:])
	f.values = f.values[:stackLen-n]
	return res
}

func (f *Frame) PeekOneValue() Value {
	stackLen := len(f.values)
	if stackLen <= 0 {
		panic("Stack underflow detected.")
	}
	return f.values[stackLen-1]
}

func (f *Frame) instruction() bytecode.Instruction {
	return f.fn.Code[f.pc]
}

// CallStack holds the active frames, innermost last, up to a fixed depth.
type CallStack struct {
	frames   []*Frame
	maxDepth int
}

func NewCallStack(maxDepth int) *CallStack {
	return &CallStack{frames: make([]*Frame, 0, 16), maxDepth: maxDepth}
}

func (s *CallStack) PushFrame(fr *Frame) error {
	if len(s.frames) >= s.maxDepth {
		return status.Newf(status.CallStackOverflow, "call depth exceeds %d", s.maxDepth)
	}
	s.frames = append(s.frames, fr)
	return nil
}

func (s *CallStack) PopFrame() *Frame {
	stackLen := len(s.frames)
	if stackLen <= 0 {
		panic("Frame stack underflow detected.")
	}

	result := s.frames[stackLen-1]
	s.frames[stackLen-1] = nil
	s.frames = s.frames[:stackLen-1]
	return result
}

func (s *CallStack) Top() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func (s *CallStack) Depth() int {
	return len(s.frames)
}

// FrameAt returns the frame at the given depth, counting from the entry
// frame at zero. Local references carry this depth.
func (s *CallStack) FrameAt(depth int) *Frame {
	return s.frames[depth]
}

func (s *CallStack) Clear() {
	for i := range s.frames {
		s.frames[i] = nil
	}
	s.frames = s.frames[:0]
}
