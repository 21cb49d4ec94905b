package collab

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Id identifies a client instance for the lifetime of the process.
// Ids are ULIDs, so they sort by creation time; String renders the
// dashed hex form used in anonymous user ids and log lines.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}
