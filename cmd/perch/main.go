// Perch CLI - loads compiled .pbc programs and runs them on the VM.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/perch-lang/perch/manifest"
	"github.com/perch-lang/perch/store"
	"github.com/perch-lang/perch/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("perch")

func main() {
	disasm := flag.Bool("disasm", false, "Disassemble the program instead of running it")
	trace := flag.Bool("trace", false, "Trace executed instructions to stderr")
	maxDepth := flag.Int("max-depth", 0, "Maximum call depth (0 = manifest setting)")
	entry := flag.String("entry", "", "Entry function name (default: the program's entry)")
	putName := flag.String("put", "", "Store the program in the program store under this name and exit")
	list := flag.Bool("list", false, "List the program store contents and exit")
	verbosity := flag.Int("v", 0, "Log verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: perch [options] program.pbc [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled Perch program. A program can also be named by its\n")
		fmt.Fprintf(os.Stderr, "store digest as store:<digest>.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  perch app.pbc 40 2          # Run app.pbc with two arguments\n")
		fmt.Fprintf(os.Stderr, "  perch -disasm app.pbc       # Print the bytecode listing\n")
		fmt.Fprintf(os.Stderr, "  perch -put app app.pbc      # Store app.pbc as \"app\"\n")
		fmt.Fprintf(os.Stderr, "  perch store:3a9f... 40 2    # Run a stored program by digest\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	cwd, err := os.Getwd()
	if err != nil {
		fail("resolving working directory: %v", err)
	}
	man, err := manifest.FindAndLoad(cwd)
	if err != nil {
		fail("%v", err)
	}

	if *list {
		listStore(man)
		return
	}

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	prog := loadProgram(flag.Arg(0), man)

	if *putName != "" {
		s := openStore(man)
		defer s.Close()
		digest, err := s.Put(*putName, prog)
		if err != nil {
			fail("%v", err)
		}
		fmt.Println(digest)
		return
	}

	if *disasm {
		fmt.Print(prog.Disassemble())
		return
	}

	cfg := vm.Config{
		MaxCallDepth: man.Runtime.MaxCallDepth,
		ForceMutexRC: man.Runtime.Atomics == "off",
	}
	if *maxDepth > 0 {
		cfg.MaxCallDepth = *maxDepth
	}
	if *trace || man.Runtime.Trace {
		cfg.Trace = os.Stderr
	}

	machine, err := vm.New(prog, cfg)
	if err != nil {
		fail("%v", err)
	}

	args := parseArgs(flag.Args()[1:])
	var result vm.Const
	if *entry != "" {
		result, err = machine.RunFunction(*entry, args...)
	} else {
		result, err = machine.Run(args...)
	}
	if err != nil {
		var te *vm.TopLevelError
		if errors.As(err, &te) {
			fmt.Fprintln(os.Stderr, te.Error())
			os.Exit(1)
		}
		fail("%v", err)
	}

	if result.Kind != vm.ConstNone {
		fmt.Println(formatConst(result))
	}
	log.Info("run complete")
}

// loadProgram reads a program from a .pbc file or from the store when the
// argument has the store:<digest> form.
func loadProgram(arg string, man *manifest.Manifest) *vm.Program {
	if digest, ok := strings.CutPrefix(arg, "store:"); ok {
		s := openStore(man)
		defer s.Close()
		prog, err := s.Get(digest)
		if err != nil {
			fail("loading %s: %v", arg, err)
		}
		return prog
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		fail("%v", err)
	}
	prog, err := vm.DecodeProgram(data)
	if err != nil {
		fail("loading %s: %v", filepath.Base(arg), err)
	}
	return prog
}

func openStore(man *manifest.Manifest) *store.Store {
	s, err := store.Open(man.Store.Path)
	if err != nil {
		fail("%v", err)
	}
	return s
}

func listStore(man *manifest.Manifest) {
	s := openStore(man)
	defer s.Close()
	entries, err := s.List()
	if err != nil {
		fail("%v", err)
	}
	for _, e := range entries {
		fmt.Printf("%s  %s\n", e.Digest, e.Name)
	}
}

// parseArgs converts command line arguments to program arguments: integers
// and floats parse as numbers, true/false/none as themselves, anything
// else is a string.
func parseArgs(raw []string) []vm.Const {
	out := make([]vm.Const, len(raw))
	for i, s := range raw {
		switch s {
		case "true":
			out[i] = vm.BoolConst(true)
			continue
		case "false":
			out[i] = vm.BoolConst(false)
			continue
		case "none":
			out[i] = vm.Const{Kind: vm.ConstNone}
			continue
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			out[i] = vm.IntConst(n)
			continue
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			out[i] = vm.FloatConst(f)
			continue
		}
		out[i] = vm.StringConst(s)
	}
	return out
}

func formatConst(c vm.Const) string {
	switch c.Kind {
	case vm.ConstBool:
		return strconv.FormatBool(c.Bool)
	case vm.ConstInt:
		return strconv.FormatInt(c.Int, 10)
	case vm.ConstFloat:
		return strconv.FormatFloat(c.Float, 'g', -1, 64)
	case vm.ConstString:
		return c.Str
	default:
		return "none"
	}
}

func fail(format string, args ...any) {
	log.Criticalf(format, args...)
	fmt.Fprintf(os.Stderr, "perch: "+format+"\n", args...)
	os.Exit(1)
}
