package descriptor

import "encoding/binary"

// Action opcodes. The firmware executes a list front to back and stops at
// the terminate opcode.
const (
	opTerminate               = 0x00
	opSemaphoreGE             = 0x90 // wait until *addr >= value
	opWriteSemaphore          = 0x91 // *addr = value
	opIncrementSemaphore      = 0x92 // *addr += value
	opWriteTimestampSemaphore = 0x93 // *addr = value, plus engine timestamp
	opTaskStatusEQ            = 0xA0 // wait until status word == status
	opWriteTaskStatus         = 0xA1 // write status word
	opWriteTimestamp          = 0xB0 // write engine timestamp at addr
)

// action is one typed record; the typed form is authoritative during
// construction and only serialized once the whole list is known.
type action interface {
	size() int
	encode(b []byte)
}

type semAction struct {
	op    byte
	addr  uint64
	value uint32
}

func (a semAction) size() int { return semActionSize }

func (a semAction) encode(b []byte) {
	b[0] = a.op
	binary.LittleEndian.PutUint64(b[1:], a.addr)
	binary.LittleEndian.PutUint32(b[9:], a.value)
}

type statusAction struct {
	op     byte
	addr   uint64
	status uint16
}

func (a statusAction) size() int { return statusActionSize }

func (a statusAction) encode(b []byte) {
	b[0] = a.op
	binary.LittleEndian.PutUint64(b[1:], a.addr)
	binary.LittleEndian.PutUint16(b[9:], a.status)
}

type tsAction struct {
	op   byte
	addr uint64
}

func (a tsAction) size() int { return tsActionSize }

func (a tsAction) encode(b []byte) {
	b[0] = a.op
	binary.LittleEndian.PutUint64(b[1:], a.addr)
}

type terminateAction struct{}

func (terminateAction) size() int       { return terminateSize }
func (terminateAction) encode(b []byte) { b[0] = opTerminate }

// actionList accumulates typed actions for one direction.
type actionList struct {
	actions []action
}

func (l *actionList) append(a action) {
	l.actions = append(l.actions, a)
}

// encodeAt serializes the list into desc starting at off and returns the
// number of bytes written. The offset of each action within the descriptor
// is reported through visit, letting the builder record where signal
// values landed.
func (l *actionList) encodeAt(desc []byte, off int, visit func(idx, actionOff int)) int {
	pos := off
	for i, a := range l.actions {
		if visit != nil {
			visit(i, pos)
		}
		a.encode(desc[pos:])
		pos += a.size()
	}
	return pos - off
}
