package record

// Built-in control and sample record descriptors. Control records use a
// small range of low uids reserved for infrastructure use; analysis record
// types register their own uids (typically high, tool-assigned, values) with
// a Registry at startup.
const (
	UIDPanic         uint64 = 1
	UIDFinalize      uint64 = 2
	UIDBreakRequest  uint64 = 3
	UIDBreakRemove   uint64 = 4
	UIDUpdate        uint64 = 5
	UIDAcknowledge   uint64 = 6
	UIDWrapped       uint64 = 1234 // sample analysis record used by the S1-S3 scenarios
	UIDPing          uint64 = 7    // generic small scalar payload used by aggregation scenarios
)

// Panic announces that the sender has detected an unrecoverable condition
// and every other place should flush and shut down immediately. Carries the
// originating place's rank so recipients can log who raised it.
var Panic = &Descriptor{
	UID:  UIDPanic,
	Name: "Panic",
	Fields: []FieldDescriptor{
		{Name: "OriginRank", Array: false, Elem: I64},
		{Name: "ReasonLen", Array: false, Elem: U32},
		{Name: "Reason", Array: true, Elem: U8, LengthField: "ReasonLen"},
	},
	OutOfOrder: true,
	Broadcast:  true,
}

// Finalize tells a place the tool run is ending and it should drain, flush
// and shut down in the ordinary (non-panic) handshake.
var Finalize = &Descriptor{
	UID:       UIDFinalize,
	Name:      "Finalize",
	Fields:    nil,
	Broadcast: true,
}

// BreakRequest asks the break manager at the receiving place to hold one
// more outstanding break before the tool may proceed past a synchronization
// point.
var BreakRequest = &Descriptor{
	UID:  UIDBreakRequest,
	Name: "BreakRequest",
	Fields: []FieldDescriptor{
		{Name: "RequesterRank", Array: false, Elem: I64},
	},
}

// BreakRemove releases one previously requested break.
var BreakRemove = &Descriptor{
	UID:  UIDBreakRemove,
	Name: "BreakRemove",
	Fields: []FieldDescriptor{
		{Name: "RequesterRank", Array: false, Elem: I64},
	},
}

// Update is the record form of the intra-layer "is communication finished?"
// query; strategy.Intra sends that query as the bare protocol.UpdateToken
// rather than as this record.
var Update = &Descriptor{
	UID:    UIDUpdate,
	Name:   "Update",
	Fields: nil,
}

// Acknowledge is the record form of the reply to an Update query and of the
// simple down tier's per-message acknowledgement; strategy.Down sends the
// latter as the bare protocol.AcknowledgeToken rather than as this record.
var Acknowledge = &Descriptor{
	UID:    UIDAcknowledge,
	Name:   "Acknowledge",
	Fields: nil,
}

// Wrapped is the sample analysis record used by the walkthrough scenarios:
// a scalar argument plus a variable-length array argument, in the order the
// array's length field must precede it.
var Wrapped = &Descriptor{
	UID:  UIDWrapped,
	Name: "Wrapped",
	Fields: []FieldDescriptor{
		{Name: "Arg1", Array: false, Elem: I32},
		{Name: "Arg2Len", Array: false, Elem: U32},
		{Name: "Arg2", Array: true, Elem: F64, LengthField: "Arg2Len"},
	},
}

// Ping is a minimal single-scalar record used to exercise aggregation and
// flood-control scenarios that only care about record counts, not payload.
var Ping = &Descriptor{
	UID:  UIDPing,
	Name: "Ping",
	Fields: []FieldDescriptor{
		{Name: "Value", Array: false, Elem: I32},
	},
}

// NewBuiltinRegistry returns a Registry pre-populated with every built-in
// control and sample descriptor.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, d := range []*Descriptor{Panic, Finalize, BreakRequest, BreakRemove, Update, Acknowledge, Wrapped, Ping} {
		r.Register(d)
	}
	return r
}
