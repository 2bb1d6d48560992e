package engine

// Transport is the capability a remote-protocol collaborator would
// implement to receive copied bytes over a pipe or stream instead of a
// local destination tree. No concrete implementation lives in this
// module; wiring one in means constructing an Engine whose destination
// writes are redirected through a Transport instead of dirfs, which is
// not something the core needs to know how to do itself.
type Transport interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Flush() error
}
