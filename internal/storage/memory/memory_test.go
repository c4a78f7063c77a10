package memory

import (
	"testing"

	"feeledger/internal/storage"
	"feeledger/internal/storage/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return New() })
}
