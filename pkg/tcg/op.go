package tcg

const (
	MaxOutputs = 2
	MaxInputs  = 10
)

// LifeMask records, per operand index (outputs first), whether the operand
// dies at this op and whether an output must be written back to memory.
type LifeMask uint32

const (
	syncArgShift = 0
	deadArgShift = 4
)

// DeadArg marks operand n as dead after this op.
func DeadArg(n int) LifeMask { return 1 << (deadArgShift + n) }

// SyncArg marks output n as needing a store to its home slot.
func SyncArg(n int) LifeMask { return 1 << (syncArgShift + n) }

func (l LifeMask) Dead(n int) bool { return l&DeadArg(n) != 0 }
func (l LifeMask) Sync(n int) bool { return l&SyncArg(n) != 0 }

// Op is one operation of the stream. Outputs precede inputs in operand
// numbering. Ops are pooled by their Context; never copy one.
type Op struct {
	Opc  Opcode
	Type Type
	Out  []*Temp
	In   []*Temp

	Cond   Cond
	Label  *Label
	Helper *Helper
	// Aux carries the load/store offset, the exit_tb value, the dup element
	// width in bits, or the first insn_start word.
	Aux  int64
	Aux2 uint64

	Life    LifeMask
	OutPref [MaxOutputs]RegSet

	prev, next *Op
	outs       [MaxOutputs]*Temp
	ins        [MaxInputs]*Temp
}

func (op *Op) Def() *OpDef { return op.Opc.Def() }
func (op *Op) Next() *Op  { return op.next }
func (op *Op) Prev() *Op  { return op.prev }

// NumArgs returns the number of temp operands.
func (op *Op) NumArgs() int { return len(op.Out) + len(op.In) }

// Arg returns temp operand i, counting outputs first.
func (op *Op) Arg(i int) *Temp {
	if i < len(op.Out) {
		return op.Out[i]
	}
	return op.In[i-len(op.Out)]
}

// SetArgs replaces the operands of op.
func (op *Op) SetArgs(outs []*Temp, ins []*Temp) {
	op.Out = op.outs[:copy(op.outs[:], outs)]
	op.In = op.ins[:copy(op.ins[:], ins)]
}

func (op *Op) reset() {
	*op = Op{}
}

// OpList is an intrusive doubly linked list of ops.
type OpList struct {
	first, last *Op
	n           int
}

func (l *OpList) First() *Op { return l.first }
func (l *OpList) Last() *Op  { return l.last }
func (l *OpList) Len() int   { return l.n }

func (l *OpList) pushBack(op *Op) {
	op.prev = l.last
	op.next = nil
	if l.last != nil {
		l.last.next = op
	} else {
		l.first = op
	}
	l.last = op
	l.n++
}

func (l *OpList) insertBefore(mark, op *Op) {
	op.next = mark
	op.prev = mark.prev
	if mark.prev != nil {
		mark.prev.next = op
	} else {
		l.first = op
	}
	mark.prev = op
	l.n++
}

func (l *OpList) insertAfter(mark, op *Op) {
	op.prev = mark
	op.next = mark.next
	if mark.next != nil {
		mark.next.prev = op
	} else {
		l.last = op
	}
	mark.next = op
	l.n++
}

func (l *OpList) remove(op *Op) {
	if op.prev != nil {
		op.prev.next = op.next
	} else {
		l.first = op.next
	}
	if op.next != nil {
		op.next.prev = op.prev
	} else {
		l.last = op.prev
	}
	op.prev, op.next = nil, nil
	l.n--
}
