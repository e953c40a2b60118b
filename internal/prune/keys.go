package prune

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var keySeq atomic.Uint64

// NewKey returns a correlation key unique to this invocation, such as
// "confirm-0190c1e2-...".
func NewKey(kind string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s-%d-%d", kind, time.Now().UnixNano(), keySeq.Add(1))
	}
	return kind + "-" + id.String()
}
