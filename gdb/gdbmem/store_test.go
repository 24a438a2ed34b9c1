package gdbmem_test

import (
	"testing"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gdb/gdbmem"
	"github.com/gordian-engine/gnode/gdb/gdbtest"
)

func TestStoreCompliance(t *testing.T) {
	t.Parallel()

	gdbtest.TestStoreCompliance(t, func(func(func())) (gdb.Store, error) {
		return gdbmem.NewStore(), nil
	})
}
