package stress

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tether/pkg/codegen"
	"tether/pkg/compiler"
	"tether/pkg/parser"
)

func requireGCC(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("gcc"); err != nil {
		t.Skip("gcc not available")
	}
}

// compileAndRun parses source, compiles it to a native binary through the
// same pipeline as the CLI driver, runs it, and returns captured stdout.
func compileAndRun(t *testing.T, src string) string {
	t.Helper()

	exprs, err := parser.New(src).ParseAll()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	tmpDir, err := os.MkdirTemp("", "stress_")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	comp := compiler.New()
	binPath, err := comp.CompileToBinary(exprs, filepath.Join(tmpDir, "prog"))
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}

	cmd := exec.Command(binPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("run error: %v\n%s", err, out)
	}
	return string(out)
}

func TestDeepRecursion(t *testing.T) {
	requireGCC(t)

	code := "(letrec ((f (lambda (n) (if (= n 0) 0 (+ 1 (f (- n 1))))))) (f 100000))"

	done := make(chan string, 1)
	go func() {
		done <- compileAndRun(t, code)
	}()

	select {
	case out := <-done:
		if !strings.Contains(out, "Result: 100000") {
			t.Errorf("expected Result: 100000, got %q", out)
		}
	case <-time.After(30 * time.Second):
		t.Error("timeout")
	}
}

func TestLargeAllocation(t *testing.T) {
	requireGCC(t)

	code := "(letrec ((build (lambda (n) (if (= n 0) 0 (+ 1 (build (- n 1))))))) (build 1000000))"

	out := compileAndRun(t, code)
	if !strings.Contains(out, "Result: 1000000") {
		t.Errorf("expected Result: 1000000, got %q", out)
	}
}

func TestManyThreads(t *testing.T) {
	requireGCC(t)

	code := `
        (let ((ch (make-chan 0)))
          (do
            (letrec ((spawn (lambda (n)
                              (if (= n 0)
                                  0
                                  (do (thread (chan-send! ch n))
                                      (spawn (- n 1)))))))
              (spawn 1000))
            (letrec ((collect (lambda (sum n)
                                (if (= n 0)
                                    sum
                                    (collect (+ sum (chan-recv! ch)) (- n 1))))))
              (collect 0 1000))))
    `

	out := compileAndRun(t, code)
	if !strings.Contains(out, "Result: 500500") {
		t.Errorf("expected Result: 500500, got %q", out)
	}
}

func TestLongRunning(t *testing.T) {
	requireGCC(t)

	if testing.Short() {
		t.Skip("skipping long test")
	}

	code := "(fold + 0 (range 1000))"

	start := time.Now()
	iterations := 0

	for time.Since(start) < 20*time.Second {
		compileAndRun(t, code)
		iterations++
	}

	t.Logf("completed %d iterations in 20 seconds", iterations)
}

func TestComplexCycles(t *testing.T) {
	codegen.ResetGlobalRegistry()

	code := `
        (deftype GNode (id int) (edges List) (back GNode :weak))

        (let ((n1 (mk-GNode 1 nil nil)))
          (GNode-id n1))
    `

	exprs, err := parser.New(code).ParseAll()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	comp := compiler.New()
	out, err := comp.CompileProgram(exprs)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}

	registry := codegen.GlobalRegistry()
	if registry.FindType("GNode") == nil {
		t.Fatal("GNode type not registered")
	}
	if !registry.IsFieldWeak("GNode", "back") {
		t.Error("explicit :weak annotation on back should mark it weak")
	}
	if !strings.Contains(out, "typedef struct GNode") {
		t.Error("missing GNode struct in generated program")
	}
}
