package record

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float64Bits(f float64) uint64 { return math.Float64bits(f) }

func TestInstance_ScalarRoundTrip(t *testing.T) {
	inst := NewInstance(Wrapped)
	require.NoError(t, inst.WriteScalar("Arg1", uint64(uint32(7))))
	v, err := inst.ReadScalar("Arg1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
}

func TestInstance_UnknownField(t *testing.T) {
	inst := NewInstance(Wrapped)
	_, err := inst.ReadScalar("NoSuchField")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestInstance_ArrayRequiresLengthFirst(t *testing.T) {
	inst := NewInstance(Wrapped)
	err := inst.WriteArrayByCopy("Arg2", make([]byte, 8))
	assert.ErrorIs(t, err, ErrLengthNotSet)
}

func TestInstance_ArrayByCopyAfterLength(t *testing.T) {
	inst := NewInstance(Wrapped)
	require.NoError(t, inst.WriteScalar("Arg2Len", 1))

	buf := make([]byte, 8)
	putUint(buf, F64, float64Bits(3.0))
	require.NoError(t, inst.WriteArrayByCopy("Arg2", buf))

	got, err := inst.ReadArrayElement("Arg2", 0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, math.Float64frombits(got))
}

func TestInstance_ArrayElementIndexOutOfRange(t *testing.T) {
	inst := NewInstance(Wrapped)
	require.NoError(t, inst.WriteScalar("Arg2Len", 2))
	_, err := inst.ReadArrayElement("Arg2", 2)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestInstance_RewritingLengthResizesArray(t *testing.T) {
	inst := NewInstance(Wrapped)
	require.NoError(t, inst.WriteScalar("Arg2Len", 4))
	n, err := inst.ArrayLen("Arg2")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, inst.WriteScalar("Arg2Len", 1))
	n, err = inst.ArrayLen("Arg2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInstance_SerializeDeserializeRoundTrip(t *testing.T) {
	inst := NewInstance(Wrapped)
	require.NoError(t, inst.WriteScalar("Arg1", uint64(uint32(int32(-1)))))
	require.NoError(t, inst.WriteScalar("Arg2Len", 1))
	buf := make([]byte, 8)
	putUint(buf, F64, float64Bits(3.0))
	require.NoError(t, inst.WriteArrayByCopy("Arg2", buf))

	wire, err := inst.Serialize()
	require.NoError(t, err)

	uid, err := ExtractUID(wire)
	require.NoError(t, err)
	assert.Equal(t, UIDWrapped, uid)

	back, err := Deserialize(Wrapped, wire)
	require.NoError(t, err)

	arg1, err := back.ReadScalar("Arg1")
	require.NoError(t, err)
	assert.Equal(t, int32(-1), int32(uint32(arg1)))

	elem, err := back.ReadArrayElement("Arg2", 0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, math.Float64frombits(elem))
}

func TestDeserialize_UidMismatch(t *testing.T) {
	inst := NewInstance(Ping)
	require.NoError(t, inst.WriteScalar("Value", 1))
	wire, err := inst.Serialize()
	require.NoError(t, err)

	_, err = Deserialize(Wrapped, wire)
	assert.ErrorIs(t, err, ErrUidMismatch)
}

func TestDeserialize_MalformedTruncated(t *testing.T) {
	_, err := Deserialize(Ping, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestInstance_FreeClearsArrays(t *testing.T) {
	inst := NewInstance(Wrapped)
	require.NoError(t, inst.WriteScalar("Arg2Len", 2))
	inst.Free()
	_, err := inst.ArrayLen("Arg2")
	require.NoError(t, err)
	n, _ := inst.ArrayLen("Arg2")
	assert.Equal(t, 0, n)
}

func TestRegistry_RegisterAndDeserialize(t *testing.T) {
	reg := NewBuiltinRegistry()

	inst := NewInstance(Ping)
	require.NoError(t, inst.WriteScalar("Value", uint64(uint32(42))))
	wire, err := inst.Serialize()
	require.NoError(t, err)

	back, err := reg.Deserialize(wire)
	require.NoError(t, err)
	v, err := back.ReadScalar("Value")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestRegistry_UnknownUid(t *testing.T) {
	reg := NewRegistry()
	inst := NewInstance(Ping)
	wire, err := inst.Serialize()
	require.NoError(t, err)

	_, err = reg.Deserialize(wire)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Ping)
	other := &Descriptor{UID: UIDPing, Name: "Other"}
	assert.Panics(t, func() { reg.Register(other) })
}
