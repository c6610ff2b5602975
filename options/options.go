package options

// NotifyMode specifies how the watches registered on a ref are called once a transaction writing it commits.
type NotifyMode int

const (
	// Synchronous calls watches on the goroutine that committed, before Engine.Run returns.
	Synchronous NotifyMode = iota
	// Asynchronous hands the watches to the engine's executor. Engine.Sync can be used to wait for them.
	Asynchronous
)

func (m NotifyMode) String() string {
	switch m {
	case Synchronous:
		return "synchronous"
	case Asynchronous:
		return "asynchronous"
	default:
		return "unknown"
	}
}
