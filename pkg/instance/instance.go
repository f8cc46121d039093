package instance

import (
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

// ID returns a stable machine-derived identifier for this controller
// instance. Falls back to a random id when the machine id is unreadable.
func ID() string {
	id, err := machineid.ID()
	if err != nil || id == "" {
		return uuid.NewString()
	}
	return id
}
