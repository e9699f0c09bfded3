package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zboralski/tarsier/internal/analysis"
	"github.com/zboralski/tarsier/internal/config"
	"github.com/zboralski/tarsier/internal/dispatch"
	"github.com/zboralski/tarsier/internal/host"
	"github.com/zboralski/tarsier/internal/host/uchost"
	"github.com/zboralski/tarsier/internal/insn"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/module"
	"github.com/zboralski/tarsier/internal/script"
	"github.com/zboralski/tarsier/internal/trigger"
	"github.com/zboralski/tarsier/internal/ui/colorize"
)

var (
	scriptPath  string
	configPath  string
	startSymbol string
	startAddrs  []string
	stopAddrs   []string
	startOffs   []string
	stopOffs    []string
	verbose     bool
	quiet       bool
	maxInsn     int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tarsier [binary]",
		Short: "Trigger-gated dynamic analysis of ARM64 binaries",
		Long: `Tarsier runs an ARM64 ELF binary under emulation and routes every executed
instruction through a JavaScript analysis script.

Analysis is gated by a trigger: start and stop rules (symbol, address, or
module-relative offset) decide which slice of the execution the script sees.
While the trigger is off, instrumented code runs with no analysis overhead.

The script registers hooks (per-instruction, image load, threads, syscalls,
signals) and can journal memory writes into a snapshot for later rollback.

Examples:
  tarsier -s analyze.js app.elf                 # Analyze the whole run
  tarsier -s analyze.js --start-symbol main app.elf
  tarsier -s analyze.js -c rules.yaml -q app.elf
  tarsier info app.elf                          # Show binary info`,
		Args:                  cobra.MaximumNArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runAnalysis,
	}

	rootCmd.Flags().StringVarP(&scriptPath, "script", "s", "", "analysis script (required)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "trigger rules YAML file")
	rootCmd.Flags().StringVar(&startSymbol, "start-symbol", "", "activate analysis at this routine")
	rootCmd.Flags().StringArrayVar(&startAddrs, "start-addr", nil, "activate analysis at this address (repeatable)")
	rootCmd.Flags().StringArrayVar(&stopAddrs, "stop-addr", nil, "deactivate analysis at this address (repeatable)")
	rootCmd.Flags().StringArrayVar(&startOffs, "start-offset", nil, "activate analysis at this module offset (repeatable)")
	rootCmd.Flags().StringArrayVar(&stopOffs, "stop-offset", nil, "deactivate analysis at this module offset (repeatable)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (summary only)")
	rootCmd.Flags().IntVarP(&maxInsn, "num", "n", 500, "max trace lines to show")

	infoCmd := &cobra.Command{
		Use:   "info <binary>",
		Short: "Show binary information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// parseAddrs merges repeatable address flags into a rule set. Values accept
// decimal or 0x-prefixed hex.
func parseAddrs(vals []string, into map[uint64]struct{}, flag string) error {
	for _, v := range vals {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("--%s %q: %w", flag, v, err)
		}
		into[n] = struct{}{}
	}
	return nil
}

func mergeFlagRules(r *trigger.Rules) error {
	if startSymbol != "" {
		r.StartSymbol = startSymbol
	}
	if err := parseAddrs(startAddrs, r.StartAddrs, "start-addr"); err != nil {
		return err
	}
	if err := parseAddrs(stopAddrs, r.StopAddrs, "stop-addr"); err != nil {
		return err
	}
	if err := parseAddrs(startOffs, r.StartOffsets, "start-offset"); err != nil {
		return err
	}
	return parseAddrs(stopOffs, r.StopOffsets, "stop-offset")
}

func runAnalysis(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	binaryPath := args[0]

	glog.Init(verbose)

	if scriptPath == "" {
		return fmt.Errorf("an analysis script is required (-s)")
	}

	backend, err := uchost.New()
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}
	defer backend.Close()

	ctx := analysis.New()
	engine := script.New(ctx, backend)
	if err := engine.Load(scriptPath); err != nil {
		return err
	}

	rules := engine.Rules()
	if configPath != "" {
		f, err := config.Load(configPath)
		if err != nil {
			return err
		}
		f.Apply(rules)
	}
	if err := mergeFlagRules(rules); err != nil {
		return err
	}

	d := dispatch.New(rules, ctx, engine, backend)
	d.Install()

	if err := backend.LoadModule(binaryPath); err != nil {
		return fmt.Errorf("load binary: %w", err)
	}

	if !quiet {
		printHeader(binaryPath, d.Modules(), rules)
	}

	code, runErr := backend.Run()

	if !quiet {
		printTrace(ctx, d.Modules())
	}
	printStats(ctx, code, runErr)

	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func printHeader(binary string, reg *module.Registry, rules *trigger.Rules) {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, binary); err == nil && !strings.HasPrefix(rel, "..") {
			binary = rel
		}
	}

	fmt.Println()
	fmt.Printf("%s tarsier ─ trigger-gated ARM64 analysis\n", colorize.Header("▶"))
	fmt.Printf("  %s %s\n", colorize.Detail("Binary:"), binary)
	fmt.Printf("  %s %s\n", colorize.Detail("Script:"), scriptPath)
	for _, desc := range reg.Modules() {
		fmt.Printf("  %s %s  %s %s\n",
			colorize.Detail("Base:"), colorize.Address(desc.Base),
			colorize.Detail("Size:"), colorize.FuncName(fmt.Sprintf("0x%x", desc.Size)))
	}
	if rules.StartSymbol != "" {
		fmt.Printf("  %s %s\n", colorize.Detail("Start symbol:"), colorize.FuncName(rules.StartSymbol))
	}
	fmt.Println()
}

// categoryTag maps a record category onto a trace hashtag. CatOther gets
// none.
func categoryTag(c insn.Category) string {
	switch c {
	case insn.CatOther:
		return ""
	default:
		return "#" + string(c)
	}
}

func formatLine(rec *insn.Record, reg *module.Registry) string {
	var b strings.Builder
	b.Grow(128)

	visibleLen := 0

	b.WriteString(colorize.Address(rec.Address))
	b.WriteString("  ")
	visibleLen += 8 + 2

	b.WriteString(colorize.Instruction(rec.Text))
	visibleLen += len(rec.Text)

	const tagCol = 50
	for visibleLen < tagCol {
		b.WriteByte(' ')
		visibleLen++
	}

	if tag := categoryTag(rec.Category); tag != "" {
		b.WriteString(colorize.Tag(tag))
		b.WriteString(" ")
	}
	if rec.BranchTaken {
		b.WriteString(colorize.Detail(fmt.Sprintf("-> %08X", rec.BranchTarget)))
		b.WriteString(" ")
	}
	if name, ok := reg.NameAtAddress(rec.Address); ok {
		b.WriteString(colorize.FuncName(name))
	}

	return strings.TrimRight(b.String(), " ")
}

func printTrace(ctx *analysis.Context, reg *module.Registry) {
	ctx.Lock()
	defer ctx.Unlock()
	trace := ctx.Trace()
	w := bufio.NewWriterSize(os.Stdout, 64*1024)
	defer w.Flush()

	for i, rec := range trace {
		if i >= maxInsn {
			fmt.Fprintf(w, "%s\n", colorize.Detail(fmt.Sprintf("... %d more", len(trace)-maxInsn)))
			break
		}
		fmt.Fprintln(w, formatLine(rec, reg))
		// Blank line after a taken branch, marking the block boundary.
		if rec.BranchTaken {
			fmt.Fprintln(w)
		}
	}
}

func printStats(ctx *analysis.Context, code int, err error) {
	ctx.Lock()
	defer ctx.Unlock()
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn  %s branches  %s journaled  exit %s",
		colorize.FuncName(fmt.Sprintf("%d", ctx.InstructionCount())),
		colorize.FuncName(fmt.Sprintf("%d", ctx.BranchesTaken())),
		colorize.FuncName(fmt.Sprintf("%d", ctx.Journal().Len())),
		colorize.FuncName(fmt.Sprintf("%d", code)))
	if err != nil {
		fmt.Printf("  %s", colorize.Error(err.Error()))
	}
	fmt.Println()
	fmt.Printf("%s %s\n", colorize.Detail("run"), ctx.RunID)
}

func showInfo(cmd *cobra.Command, args []string) error {
	binaryPath := args[0]

	absPath, err := filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("file not found: %s", absPath)
	}

	backend, err := uchost.New()
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}
	defer backend.Close()

	var desc module.Descriptor
	var routines []module.Routine
	backend.OnModuleLoad(func(d module.Descriptor, rts []module.Routine, _ func(host.CodeWalker)) {
		desc = d
		routines = rts
	})
	if err := backend.LoadModule(absPath); err != nil {
		return fmt.Errorf("load binary: %w", err)
	}

	fmt.Printf("Binary:   %s\n", filepath.Base(absPath))
	fmt.Printf("Base:     0x%x\n", desc.Base)
	fmt.Printf("Size:     0x%x\n", desc.Size)
	fmt.Printf("Routines: %d\n", len(routines))

	if len(routines) > 0 {
		fmt.Println("\nRoutines:")
		for i, rt := range routines {
			if i >= 25 {
				fmt.Printf("  ... %d more\n", len(routines)-25)
				break
			}
			fmt.Printf("  0x%x %s\n", rt.Addr, rt.Name)
		}
	}
	return nil
}
