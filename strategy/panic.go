package strategy

// PanicListener is implemented by every strategy tier so a central panic
// receiver (teardown.PanicReceiver) can notify all of them once a place
// detects an unrecoverable condition.
type PanicListener interface {
	// FlushAndSetImmediate drains the strategy's queue, completes any
	// outstanding non-blocking sends, and switches aggregation off so every
	// subsequent send goes out immediately.
	FlushAndSetImmediate() error
}
