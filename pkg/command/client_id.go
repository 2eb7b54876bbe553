package command

import "github.com/google/uuid"

// NewClientID mints a process-wide-unique client identifier for RIFL by
// truncating a random UUIDv4 to 8 bytes, so a CLI or test harness that
// submits one-off commands never needs to coordinate a client id out of
// band.
//
// Grounded on cockroachdb-basaltclient's basaltpb.NewUUID, which wraps
// uuid.New() the same way; truncated here since RIFL.ClientID is a
// uint64, not a 16-byte identifier.
func NewClientID() uint64 {
	u := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(u[i])
	}
	return v
}
