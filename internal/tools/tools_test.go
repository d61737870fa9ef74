package tools_test

import (
	"sort"
	"testing"

	"spawnd/internal/tools"
)

func TestClassifications(t *testing.T) {
	if !tools.IsWrite("write_file") {
		t.Fatalf("write_file should be a write")
	}
	if tools.IsWrite("read_file") {
		t.Fatalf("read_file should not be a write")
	}
	if tools.Known("teleport") {
		t.Fatalf("teleport should be unknown")
	}
	if c, ok := tools.Lookup("run_command"); !ok || c != tools.Write {
		t.Fatalf("run_command lookup: %v %v", c, ok)
	}
}

func TestAllSortedAndClassified(t *testing.T) {
	names := tools.All()
	if len(names) == 0 {
		t.Fatalf("empty capability table")
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("All() not sorted: %v", names)
	}
	for _, name := range names {
		c, ok := tools.Lookup(name)
		if !ok || (c != tools.Read && c != tools.Write) {
			t.Fatalf("tool %s has no valid classification", name)
		}
	}
}
