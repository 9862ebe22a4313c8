package core

// Notifier is an interface to receive committed change events, for example to
// export them to an external message broker. Notify is called after the
// originating transaction has durably committed, from a dedicated export
// goroutine and in commit order; a slow implementation delays the export,
// never the commit.
type Notifier interface {
	Notify(resource string, operation Operation, payload []byte)
}
