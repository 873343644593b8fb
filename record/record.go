// Package record implements the record-generation interface (spec §4.1): a
// runtime plan-driven stand-in for the code a real generator would emit. Given
// a record type descriptor it provides allocate/init/free, field read/write,
// serialize/deserialize and uid extraction, honoring the two inviolable
// constraints: the uid is always the first 8 bytes, and an array's length
// field is always written before the array bytes are addressed.
//
// There is no dlopen-loaded generator implementation here (Design Notes,
// spec.md): callers select a Registry at construction time instead.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Primitive is the scalar element type of a field.
type Primitive int

const (
	I8 Primitive = iota
	U8
	I16
	U16
	I32
	U32
	I64
	U64
	F32
	F64
	Bool
)

// Size returns the on-the-wire width, in bytes, of one element of p.
func (p Primitive) Size() int {
	switch p {
	case I8, U8, Bool:
		return 1
	case I16, U16:
		return 2
	case I32, U32, F32:
		return 4
	case I64, U64, F64:
		return 8
	default:
		panic(fmt.Sprintf("record: unknown primitive %d", p))
	}
}

// FieldDescriptor describes one named field: either a scalar of a primitive
// type, or an array of a primitive type whose length lives in another
// (scalar) field of the same record, named by LengthField.
type FieldDescriptor struct {
	Name        string
	Array       bool
	Elem        Primitive
	LengthField string // only meaningful when Array is true
}

// Descriptor is a record type descriptor: a uid plus an ordered field list.
// Field order is both the in-memory layout order and the wire order; the
// length field of an array must precede that array in Fields (§4.1 "array
// length precedes array").
type Descriptor struct {
	UID    uint64
	Name   string
	Fields []FieldDescriptor

	// OutOfOrder declares that records of this type bypass the suspension
	// tree entirely and are dispatched immediately (spec.md §4.6 step 7,
	// §5's ordering guarantees); reductions over this type must tolerate
	// arriving out of per-source FIFO order.
	OutOfOrder bool

	// Broadcast declares that records of this type propagate down every
	// layer of the tree rather than addressing one channel (spec.md §4.6
	// step 4): Finalize and Panic are the two built-in broadcast records.
	Broadcast bool
}

// Errors the record layer distinguishes (spec §4.1, §7). These are fatal to
// the faulting analysis but recoverable at the driver: log and drop.
var (
	ErrUnknownField    = errors.New("record: unknown field")
	ErrIndexOutOfRange = errors.New("record: index out of range")
	ErrUidMismatch     = errors.New("record: uid mismatch")
	ErrMalformedRecord = errors.New("record: malformed record")
	ErrLengthNotSet    = errors.New("record: array length field not written")
	ErrNotArrayField   = errors.New("record: field is not an array")
	ErrNotScalarField  = errors.New("record: field is not a scalar")
)

func (d *Descriptor) fieldIndex(name string) int {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

func (d *Descriptor) field(name string) (*FieldDescriptor, error) {
	i := d.fieldIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return &d.Fields[i], nil
}

// dependentArrays returns the indices of Fields referencing lengthField as
// their LengthField.
func (d *Descriptor) dependentArrays(lengthField string) []int {
	var out []int
	for i := range d.Fields {
		if d.Fields[i].Array && d.Fields[i].LengthField == lengthField {
			out = append(out, i)
		}
	}
	return out
}

// Instance is an in-memory record value produced from a Descriptor. The zero
// value is not usable; construct with Allocate or NewInstance.
type Instance struct {
	desc    *Descriptor
	scalars map[string]uint64
	arrays  map[string][]byte // raw little-endian element bytes, nil until a length is written
	lenSet  map[string]bool   // tracks which length fields have been explicitly written
}

// Allocate reserves storage for a record of the given descriptor without
// initializing field values (the "allocate-instance by pointer" form). Init
// must be called before the instance is read or written.
func Allocate(desc *Descriptor) *Instance {
	if desc == nil {
		panic("record: nil descriptor")
	}
	return &Instance{desc: desc}
}

// NewInstance allocates and initializes a record in one step (the
// "create-instance by value" form).
func NewInstance(desc *Descriptor) *Instance {
	i := Allocate(desc)
	i.Init()
	return i
}

// Init zero-values all scalar fields and sets all arrays to NULL (nil),
// discarding any prior content.
func (i *Instance) Init() {
	i.scalars = make(map[string]uint64, len(i.desc.Fields))
	i.arrays = make(map[string][]byte)
	i.lenSet = make(map[string]bool)
	for _, f := range i.desc.Fields {
		if !f.Array {
			i.scalars[f.Name] = 0
		}
	}
}

// Free releases owned array storage. Scalars are left as-is; callers that
// reuse the instance should call Init instead.
func (i *Instance) Free() {
	i.arrays = make(map[string][]byte)
	i.lenSet = make(map[string]bool)
}

// Descriptor returns the descriptor this instance was built from.
func (i *Instance) Descriptor() *Descriptor { return i.desc }

// WriteScalar sets a scalar field's raw bit pattern. If name is the length
// field of one or more array fields, those arrays are resized to the new
// length and their prior contents become undefined (here: zeroed), per the
// "array length precedes array" invariant.
func (i *Instance) WriteScalar(name string, val uint64) error {
	f, err := i.desc.field(name)
	if err != nil {
		return err
	}
	if f.Array {
		return fmt.Errorf("%w: %q", ErrNotScalarField, name)
	}
	i.scalars[name] = val

	for _, ai := range i.desc.dependentArrays(name) {
		af := i.desc.Fields[ai]
		i.arrays[af.Name] = make([]byte, int(val)*af.Elem.Size())
	}
	i.lenSet[name] = true
	return nil
}

// ReadScalar returns a scalar field's raw bit pattern.
func (i *Instance) ReadScalar(name string) (uint64, error) {
	f, err := i.desc.field(name)
	if err != nil {
		return 0, err
	}
	if f.Array {
		return 0, fmt.Errorf("%w: %q", ErrNotScalarField, name)
	}
	return i.scalars[name], nil
}

// WriteArrayByCopy replaces an array field's contents by copying elems
// (packed little-endian, Elem.Size() bytes per element). The number of
// elements in elems must equal the field's current length field value;
// fails with ErrLengthNotSet if the length field has never been written.
func (i *Instance) WriteArrayByCopy(name string, elems []byte) error {
	f, err := i.desc.field(name)
	if err != nil {
		return err
	}
	if !f.Array {
		return fmt.Errorf("%w: %q", ErrNotArrayField, name)
	}
	if !i.lenSet[f.LengthField] {
		return fmt.Errorf("%w: %q", ErrLengthNotSet, name)
	}
	cur := i.arrays[name]
	if len(elems) != len(cur) {
		return fmt.Errorf("%w: %q: expected %d bytes, got %d", ErrIndexOutOfRange, name, len(cur), len(elems))
	}
	buf := make([]byte, len(elems))
	copy(buf, elems)
	i.arrays[name] = buf
	return nil
}

// WriteArrayElementByIndex writes a single element's raw bit pattern at idx.
func (i *Instance) WriteArrayElementByIndex(name string, idx int, val uint64) error {
	f, err := i.desc.field(name)
	if err != nil {
		return err
	}
	if !f.Array {
		return fmt.Errorf("%w: %q", ErrNotArrayField, name)
	}
	buf := i.arrays[name]
	size := f.Elem.Size()
	if idx < 0 || (idx+1)*size > len(buf) {
		return fmt.Errorf("%w: %q[%d]", ErrIndexOutOfRange, name, idx)
	}
	putUint(buf[idx*size:(idx+1)*size], f.Elem, val)
	return nil
}

// ReadArrayPointer returns a read-only view of an array field's raw bytes.
// Callers must not retain it past the next mutating call on i.
func (i *Instance) ReadArrayPointer(name string) ([]byte, error) {
	f, err := i.desc.field(name)
	if err != nil {
		return nil, err
	}
	if !f.Array {
		return nil, fmt.Errorf("%w: %q", ErrNotArrayField, name)
	}
	return i.arrays[name], nil
}

// ReadArrayElement returns a single element's raw bit pattern at idx.
func (i *Instance) ReadArrayElement(name string, idx int) (uint64, error) {
	f, err := i.desc.field(name)
	if err != nil {
		return 0, err
	}
	if !f.Array {
		return 0, fmt.Errorf("%w: %q", ErrNotArrayField, name)
	}
	buf := i.arrays[name]
	size := f.Elem.Size()
	if idx < 0 || (idx+1)*size > len(buf) {
		return 0, fmt.Errorf("%w: %q[%d]", ErrIndexOutOfRange, name, idx)
	}
	return getUint(buf[idx*size:(idx+1)*size], f.Elem), nil
}

// ArrayLen returns the current element count of an array field.
func (i *Instance) ArrayLen(name string) (int, error) {
	f, err := i.desc.field(name)
	if err != nil {
		return 0, err
	}
	if !f.Array {
		return 0, fmt.Errorf("%w: %q", ErrNotArrayField, name)
	}
	return len(i.arrays[name]) / f.Elem.Size(), nil
}

// Serialize produces a self-contained wire buffer: the uid (little-endian,
// first 8 bytes) followed by every field in declared order. The uid is
// little-endian on every host, so on a big-endian host it is not in the
// host's native byte order.
func (i *Instance) Serialize() ([]byte, error) {
	size := 8
	for _, f := range i.desc.Fields {
		if f.Array {
			size += len(i.arrays[f.Name])
		} else {
			size += f.Elem.Size()
		}
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[:8], i.desc.UID)
	off := 8
	for _, f := range i.desc.Fields {
		if f.Array {
			n := copy(buf[off:], i.arrays[f.Name])
			off += n
		} else {
			putUint(buf[off:off+f.Elem.Size()], f.Elem, i.scalars[f.Name])
			off += f.Elem.Size()
		}
	}
	return buf, nil
}

// ExtractUID reads the first 8 bytes of a serialized record without parsing
// the remainder, letting the driver route by uid before materializing the
// record.
func ExtractUID(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("%w: buffer shorter than uid", ErrMalformedRecord)
	}
	return binary.LittleEndian.Uint64(buf[:8]), nil
}

// Deserialize rebuilds a record from a wire buffer, reading fields in
// declared order. Fails with ErrUidMismatch if the buffer's uid does not
// match desc, or ErrMalformedRecord if buf is truncated.
func Deserialize(desc *Descriptor, buf []byte) (*Instance, error) {
	uid, err := ExtractUID(buf)
	if err != nil {
		return nil, err
	}
	if uid != desc.UID {
		return nil, fmt.Errorf("%w: want %#x got %#x", ErrUidMismatch, desc.UID, uid)
	}
	inst := NewInstance(desc)
	off := 8
	for _, f := range desc.Fields {
		if f.Array {
			n, ok := inst.scalars[f.LengthField]
			if !ok {
				return nil, fmt.Errorf("%w: array %q deserialized before its length field %q", ErrMalformedRecord, f.Name, f.LengthField)
			}
			want := int(n) * f.Elem.Size()
			if off+want > len(buf) {
				return nil, fmt.Errorf("%w: array %q truncated", ErrMalformedRecord, f.Name)
			}
			b := make([]byte, want)
			copy(b, buf[off:off+want])
			inst.arrays[f.Name] = b
			off += want
		} else {
			if off+f.Elem.Size() > len(buf) {
				return nil, fmt.Errorf("%w: field %q truncated", ErrMalformedRecord, f.Name)
			}
			inst.scalars[f.Name] = getUint(buf[off:off+f.Elem.Size()], f.Elem)
			if inst.desc.dependentArrays(f.Name) != nil {
				inst.lenSet[f.Name] = true
			}
			off += f.Elem.Size()
		}
	}
	return inst, nil
}

func putUint(b []byte, p Primitive, v uint64) {
	switch p.Size() {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
}

func getUint(b []byte, p Primitive) uint64 {
	switch p.Size() {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}
