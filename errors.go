package driftsync

import (
	"errors"
	"fmt"
)

// errors.go provides the error taxonomy for the sync engine
//
// error type checking:
//   sentinel errors can be checked with errors.Is, typed errors with errors.As

// used for transport
var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrHeartbeatTimeout     = errors.New("heartbeat timeout")
	ErrTransportClosed      = errors.New("transport closed")
	ErrAckTimeout           = errors.New("ack timeout")
)

// RejectError is a definitive server refusal of one mutation, e.g. a stale
// version. The queued mutation is removed without retry and the version
// conflict policy applies.
type RejectError struct {
	Token  Id
	Reason string
	// the server's current version for the record key at rejection time
	Version uint64
}

func (self *RejectError) Error() string {
	return fmt.Sprintf("Send rejected (%s): server at version %d.", self.Reason, self.Version)
}

// StorageError is a durable-store failure. Durability could not be
// guaranteed, so the caller's optimistic state is rolled back before this
// surfaces.
type StorageError struct {
	Op  string
	Err error
}

func (self *StorageError) Error() string {
	return fmt.Sprintf("Storage failure during %s: %s.", self.Op, self.Err)
}

func (self *StorageError) Unwrap() error {
	return self.Err
}
