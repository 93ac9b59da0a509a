package memory

import (
	"testing"

	"github.com/Strob0t/DocFlow/internal/port/executionstore/storetest"
)

func TestStoreCompliance(t *testing.T) {
	storetest.RunComplianceTests(t, NewStore())
}
