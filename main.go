package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"tether/pkg/analysis"
	"tether/pkg/ast"
	"tether/pkg/compiler"
	"tether/pkg/parser"
)

var (
	compileMode = flag.Bool("c", false, "Compile to C code instead of executing")
	outputFile  = flag.String("o", "", "Output file (default: stdout for -c; otherwise the binary is built in a temp dir, run, and removed)")
	srcExpr     = flag.String("e", "", "Compile expression from command line")
	verbose     = flag.Bool("v", false, "Verbose output")
	runtimePath = flag.String("runtime", "", "Path to external runtime (auto-detected if not set)")
	watchMode   = flag.Bool("watch", false, "Recompile and rerun the given file whenever it changes")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Tether - Native Compiler with ASAP Memory Management\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [file.teth]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -e '(+ 1 2)'              # Compile and run expression\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -c -e '(+ 1 2)'           # Emit C code to stdout\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s program.teth            # Compile and run file\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -c program.teth -o out.c # Compile file to C\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -o prog program.teth    # Compile to binary 'prog'\n", os.Args[0])
	}
	flag.Parse()

	if *runtimePath == "" {
		*runtimePath = findRuntimePath()
	}

	if *watchMode {
		if flag.NArg() == 0 {
			fmt.Fprintf(os.Stderr, "-watch requires a source file\n")
			os.Exit(1)
		}
		watchFile(flag.Arg(0))
		return
	}

	var input string

	if *srcExpr != "" {
		input = *srcExpr
	} else if flag.NArg() > 0 {
		filename := flag.Arg(0)
		data, err := os.ReadFile(filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
			os.Exit(1)
		}
		input = string(data)
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
			os.Exit(1)
		}
		input = string(data)
	}

	if strings.TrimSpace(input) == "" {
		runREPL()
		return
	}

	p := parser.New(input)
	exprs, err := p.ParseAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Parse error: %v\n", err)
		os.Exit(1)
	}

	if len(exprs) == 0 {
		fmt.Fprintf(os.Stderr, "No expressions to process\n")
		os.Exit(1)
	}

	if *compileMode {
		emitCCode(exprs)
	} else {
		runNative(exprs)
	}
}

// findRuntimePath searches for the runtime directory
func findRuntimePath() string {
	exe, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exe)
		candidates := []string{
			filepath.Join(exeDir, "runtime"),
			filepath.Join(exeDir, "..", "runtime"),
		}
		for _, path := range candidates {
			if _, err := os.Stat(filepath.Join(path, "libtether.a")); err == nil {
				return path
			}
		}
	}

	if _, err := os.Stat("runtime/libtether.a"); err == nil {
		return "runtime"
	}

	wd, err := os.Getwd()
	if err == nil {
		path := filepath.Join(wd, "runtime")
		if _, err := os.Stat(filepath.Join(path, "libtether.a")); err == nil {
			return path
		}
	}

	return ""
}

// watchFile recompiles and reruns filename every time it changes on disk,
// using fsnotify rather than polling so edits are picked up immediately.
func watchFile(filename string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating watcher: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Close()

	dir := filepath.Dir(filename)
	if err := watcher.Add(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Error watching %s: %v\n", dir, err)
		os.Exit(1)
	}

	runOnce := func() {
		data, err := os.ReadFile(filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
			return
		}
		p := parser.New(string(data))
		exprs, err := p.ParseAll()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Parse error: %v\n", err)
			return
		}
		if len(exprs) == 0 {
			return
		}
		if *compileMode {
			emitCCode(exprs)
		} else {
			runNative(exprs)
		}
	}

	fmt.Fprintf(os.Stderr, "Watching %s for changes (Ctrl-C to stop)\n", filename)
	runOnce()

	target := filepath.Clean(filename)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fmt.Fprintf(os.Stderr, "\n--- %s changed, recompiling ---\n", filename)
			runOnce()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "Watcher error: %v\n", err)
		}
	}
}

// runNative compiles and executes expressions natively (default mode)
func runNative(exprs []*ast.Value) {
	var comp *compiler.Compiler

	if *runtimePath != "" {
		comp = compiler.NewWithExternalRuntime(*runtimePath)
		if *verbose {
			fmt.Fprintf(os.Stderr, "Using external runtime: %s\n", *runtimePath)
		}
	} else {
		comp = compiler.New()
		if *verbose {
			fmt.Fprintf(os.Stderr, "Using embedded runtime\n")
		}
	}

	if *outputFile != "" {
		binPath, err := comp.CompileToBinary(exprs, *outputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Compile error: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Fprintf(os.Stderr, "Binary written to %s\n", binPath)
		}
		return
	}

	tmpDir, err := os.MkdirTemp("", "tether_run_")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	binPath := filepath.Join(tmpDir, "program")
	_, err = comp.CompileToBinary(exprs, binPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Compile error: %v\n", err)
		os.Exit(1)
	}

	if *verbose {
		printCompileReport(comp)
	}

	cmd := exec.Command(binPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "Execution error: %v\n", err)
		os.Exit(1)
	}
}

// printCompileReport writes a one-line optimization summary and a
// per-class ownership breakdown to stderr for -v runs.
func printCompileReport(comp *compiler.Compiler) {
	fmt.Fprintf(os.Stderr, "%s\n", comp.Stats().Summary())
	if util, waste := comp.ReuseUtilization(); util > 0 || waste > 0 {
		fmt.Fprintf(os.Stderr, "Reuse: %.1f%% utilization, %d words padding waste\n", util*100, waste)
	}
	if report := comp.RCOptReport(); report != "" {
		fmt.Fprintf(os.Stderr, "%s\n", report)
	}
	counts := comp.OwnershipSummary()
	if len(counts) == 0 {
		return
	}
	classes := make([]analysis.OwnershipClass, 0, len(counts))
	for class := range counts {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	fmt.Fprintf(os.Stderr, "Ownership: ")
	for i, class := range classes {
		if i > 0 {
			fmt.Fprintf(os.Stderr, ", ")
		}
		fmt.Fprintf(os.Stderr, "%s=%d", class, counts[class])
	}
	fmt.Fprintf(os.Stderr, "\n")
}

// emitCCode generates C code and writes to stdout or file
func emitCCode(exprs []*ast.Value) {
	var comp *compiler.Compiler

	if *runtimePath != "" {
		comp = compiler.NewWithExternalRuntime(*runtimePath)
	} else {
		comp = compiler.New()
	}

	code, err := comp.CompileProgram(exprs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Compile error: %v\n", err)
		os.Exit(1)
	}

	if *verbose {
		printCompileReport(comp)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, []byte(code), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Fprintf(os.Stderr, "C code written to %s\n", *outputFile)
		}
	} else {
		fmt.Print(code)
	}
}

func runREPL() {
	fmt.Println("Tether Native REPL - ASAP Memory Management")
	fmt.Println()

	_, gccErr := exec.LookPath("gcc")
	if gccErr != nil {
		fmt.Println("  Error: gcc not found - REPL requires gcc for native compilation")
		os.Exit(1)
	}

	if *runtimePath != "" {
		fmt.Printf("  Runtime: %s\n", *runtimePath)
	} else {
		fmt.Println("  Runtime: embedded")
	}
	fmt.Println()
	fmt.Println("Type 'help' for commands, 'quit' to exit")
	fmt.Println()

	tmpDir, err := os.MkdirTemp("", "tether_repl_")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	var definitions []string
	jitCounter := 0
	showCCode := false

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if showCCode {
			fmt.Print("teth(c)> ")
		} else {
			fmt.Print("teth> ")
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "quit", "exit":
			fmt.Println("Goodbye!")
			return
		case "code":
			showCCode = !showCCode
			if showCCode {
				fmt.Println("C code display ON")
			} else {
				fmt.Println("C code display OFF")
			}
			continue
		case "clear":
			definitions = nil
			fmt.Println("Definitions cleared")
			continue
		case "defs":
			if len(definitions) == 0 {
				fmt.Println("No definitions")
			} else {
				fmt.Println("Current definitions:")
				for _, d := range definitions {
					fmt.Printf("  %s\n", d)
				}
			}
			continue
		case "help":
			printREPLHelp()
			continue
		}

		if !strings.HasPrefix(line, "(") && !strings.HasPrefix(line, "'") {
			fmt.Printf("Unknown command: %s (use 'help' for commands)\n", line)
			continue
		}

		p := parser.New(line)
		expr, err := p.Parse()
		if err != nil {
			fmt.Printf("Parse error: %v\n", err)
			continue
		}

		if expr == nil {
			continue
		}

		isDefine := ast.IsCell(expr) && ast.IsSym(expr.Car) && expr.Car.Str == "define"
		if isDefine {
			definitions = append(definitions, line)
			fmt.Println("Defined")
			continue
		}

		var fullInput strings.Builder
		for _, def := range definitions {
			fullInput.WriteString(def)
			fullInput.WriteString("\n")
		}
		fullInput.WriteString(line)

		fullParser := parser.New(fullInput.String())
		exprs, err := fullParser.ParseAll()
		if err != nil {
			fmt.Printf("Parse error: %v\n", err)
			continue
		}

		var comp *compiler.Compiler
		if *runtimePath != "" {
			comp = compiler.NewWithExternalRuntime(*runtimePath)
		} else {
			comp = compiler.New()
		}

		code, err := comp.CompileProgram(exprs)
		if err != nil {
			fmt.Printf("Compile error: %v\n", err)
			continue
		}

		if showCCode {
			fmt.Println("--- C code ---")
			fmt.Print(code)
			fmt.Println("--- end ---")
		}

		jitCounter++
		binPath := filepath.Join(tmpDir, fmt.Sprintf("repl_%d", jitCounter))
		srcPath := binPath + ".c"

		if err := os.WriteFile(srcPath, []byte(code), 0644); err != nil {
			fmt.Printf("Error writing source: %v\n", err)
			continue
		}

		var gccCmd *exec.Cmd
		if *runtimePath != "" {
			includePath := filepath.Join(*runtimePath, "include")
			gccCmd = exec.Command("gcc",
				"-std=c99", "-pthread", "-O2",
				"-I", includePath,
				"-o", binPath,
				srcPath,
				"-L", *runtimePath, "-ltether",
			)
		} else {
			gccCmd = exec.Command("gcc", "-std=c99", "-pthread", "-O2", "-o", binPath, srcPath)
		}

		output, err := gccCmd.CombinedOutput()
		if err != nil {
			fmt.Printf("Compile error: %v\n%s", err, output)
			continue
		}

		runCmd := exec.Command(binPath)
		runCmd.Stdout = os.Stdout
		runCmd.Stderr = os.Stderr
		runCmd.Run()
	}
}

func printREPLHelp() {
	fmt.Println("Commands:")
	fmt.Println("  quit     - exit the REPL")
	fmt.Println("  code     - toggle C code display")
	fmt.Println("  defs     - show current definitions")
	fmt.Println("  clear    - clear all definitions")
	fmt.Println("  help     - show this help")
	fmt.Println()
	fmt.Println("Language:")
	fmt.Println("  (define name value)     - define a variable")
	fmt.Println("  (define (f x) body)     - define a function")
	fmt.Println("  (lambda (x) body)       - anonymous function")
	fmt.Println("  (let ((x val)) body)    - local binding")
	fmt.Println("  (if cond then else)     - conditional")
	fmt.Println("  (do expr1 expr2 ...)    - sequence")
	fmt.Println("  (quote x) or 'x         - quote expression")
	fmt.Println()
	fmt.Println("Primitives:")
	fmt.Println("  Arithmetic: + - * / %")
	fmt.Println("  Comparison: < > <= >= = eq?")
	fmt.Println("  Lists: cons car cdr null? pair? list")
	fmt.Println("  I/O: display print newline")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  (+ 1 2)                         => 3")
	fmt.Println("  (define (fib n) (if (<= n 1) n (+ (fib (- n 1)) (fib (- n 2)))))")
	fmt.Println("  (fib 10)                        => 55")
	fmt.Println("  (map (lambda (x) (* x 2)) '(1 2 3)) => (2 4 6)")
}
