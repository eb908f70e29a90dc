package ctorz

// Metrics provides observability data for an Interceptor.
// All counter fields use atomic operations for thread safety.
type Metrics struct {
	// Load Pipeline Counters
	LoadEvents  int64 // Transform calls
	PassThrough int64 // Events returned unchanged without a rewrite attempt
	Rewritten   int64 // Successful rewrites
	Failed      int64 // Rewrites abandoned in favor of the original form
	Collapsed   int64 // Events that shared the outcome of an identical concurrent event

	// Dispatch Counters
	HookCalls  int64 // Hook invocations from rewritten constructors
	HookPanics int64 // Hook invocations that panicked
	Snapshots  int64 // Live hook snapshots referenced by rewritten code

	// Record Delivery Counters
	RecordsQueued    int64 // Current records waiting for a sink
	RecordsDelivered int64 // Records accepted by the sink
	RecordsDropped   int64 // Records rejected because the queue was full
	RecordsFailed    int64 // Sink errors, panics and timeouts

	// Registration Metrics
	RegisteredHooks int64 // Current registered hooks
}
