package runtimecheck

import (
	"regexp"
	"strings"
	"testing"

	"tether/pkg/codegen"
)

// generatedRuntime renders the embedded C runtime the same way the compiler
// does for a program with no user-defined types, so these checks track
// whatever codegen actually emits rather than a stale copy on disk.
func generatedRuntime(t *testing.T) string {
	t.Helper()
	codegen.ResetGlobalRegistry()
	return codegen.GenerateRuntime(codegen.GlobalRegistry())
}

func hasFunc(content, name string) bool {
	re := regexp.MustCompile(`(?m)\b` + regexp.QuoteMeta(name) + `\s*\(`)
	return re.FindStringIndex(content) != nil
}

func TestGenerationTypedefBeforeBorrowRef(t *testing.T) {
	runtime := generatedRuntime(t)

	borrowIdx := strings.Index(runtime, "typedef struct BorrowRef")
	if borrowIdx == -1 {
		t.Fatal("BorrowRef typedef not found in generated runtime")
	}

	genIdx := strings.Index(runtime, "typedef uint64_t Generation")
	if genIdx == -1 {
		t.Fatal("Generation typedef not found in generated runtime")
	}

	if genIdx > borrowIdx {
		t.Fatalf("Generation typedef must appear before BorrowRef (gen at %d, BorrowRef at %d)", genIdx, borrowIdx)
	}
}

func TestObjLayoutHasTetheredField(t *testing.T) {
	runtime := generatedRuntime(t)

	start := strings.Index(runtime, "typedef struct Obj {")
	if start == -1 {
		t.Fatal("Obj struct definition not found in generated runtime")
	}
	end := strings.Index(runtime[start:], "} Obj;")
	if end == -1 {
		t.Fatal("Obj struct definition not terminated")
	}
	block := runtime[start : start+end]

	if !strings.Contains(block, "tethered") {
		t.Fatal("Obj layout missing tethered field used by scope-tethering fast path")
	}
}

func TestPublicApiSymbolsPresent(t *testing.T) {
	runtime := generatedRuntime(t)

	expected := []string{
		"borrow_get",
		"make_channel",
		"make_atom",
		"atom_cas",
		"spawn_thread",
		"channel_send",
	}

	for _, name := range expected {
		if !hasFunc(runtime, name) {
			t.Fatalf("generated runtime missing public API symbol %q", name)
		}
	}
}

func TestChannelSendReturnsBool(t *testing.T) {
	runtime := generatedRuntime(t)

	if !regexp.MustCompile(`(?m)^\s*static\s+bool\s+channel_send\s*\(`).MatchString(runtime) {
		t.Fatal("channel_send should be declared returning bool")
	}
}

func TestChannelCapacityAllowsZero(t *testing.T) {
	runtime := generatedRuntime(t)

	if strings.Contains(runtime, "capacity > 0 ? capacity : 1") {
		t.Fatal("channel capacity 0 is forced to 1; unbuffered channels should preserve 0 capacity")
	}
	if !strings.Contains(runtime, "capacity > 0 ? capacity : 0") {
		t.Fatal("make_channel should preserve a requested capacity of 0 for rendezvous semantics")
	}
}
