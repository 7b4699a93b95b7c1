package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/driver"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/logging"
	"github.com/wudi/crossgw/internal/provider"

	// Provider plugins (auto-register)
	_ "github.com/wudi/crossgw/internal/provider/apisix"
	_ "github.com/wudi/crossgw/internal/provider/azure"
	_ "github.com/wudi/crossgw/internal/provider/envoy"
	_ "github.com/wudi/crossgw/internal/provider/gcp"
	_ "github.com/wudi/crossgw/internal/provider/kong"
	_ "github.com/wudi/crossgw/internal/provider/traefik"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "export":
		os.Exit(runCompile(os.Args[2:], driver.Export))
	case "import":
		os.Exit(runCompile(os.Args[2:], driver.Import))
	case "validate":
		os.Exit(runValidate(os.Args[2:]))
	case "capabilities":
		os.Exit(runCapabilities(os.Args[2:]))
	case "version", "-version", "--version":
		fmt.Printf("crossgw %s (built %s)\n", version, buildTime)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: crossgw <command> [flags]

Commands:
  export        Compile an IR document into provider-native configuration
  import        Recover an IR document from provider-native configuration
  validate      Validate an IR document and report findings
  capabilities  Print the capability matrix row for a provider
  version       Print version information
`)
}

type compileFn func(input []byte, opts driver.Options) *driver.Result

func runCompile(args []string, compile compileFn) int {
	fs := flag.NewFlagSet("crossgw", flag.ExitOnError)
	providerName := fs.String("provider", "", "Target provider ("+providerList()+")")
	inPath := fs.String("in", "", "Input file (- for stdin)")
	outPath := fs.String("out", "", "Output file (default stdout)")
	logLevel := fs.String("log-level", "warn", "Log level (debug, info, warn, error)")
	var advisory stringList
	fs.Var(&advisory, "advisory", "Validation rule to downgrade to advisory (repeatable)")
	fs.Parse(args)

	if *providerName == "" {
		fmt.Fprintln(os.Stderr, "-provider is required")
		return 1
	}

	logger, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	input, err := readInput(*inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	res := compile(input, driver.Options{
		Provider:      *providerName,
		AdvisoryRules: advisory,
		Logger:        logger,
	})

	for _, w := range res.Warnings {
		fmt.Fprintln(os.Stderr, w.String())
	}
	for _, f := range res.Findings {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", f.Severity, f.Error())
	}
	if res.Err != nil {
		logger.Error("compilation failed",
			zap.String("state", string(res.State)),
			zap.Error(res.Err))
		fmt.Fprintf(os.Stderr, "failed at %s: %v\n", res.State, res.Err)
		return 1
	}

	if err := writeOutput(*outPath, res.Output); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("crossgw validate", flag.ExitOnError)
	inPath := fs.String("in", "", "Input file (- for stdin)")
	var advisory stringList
	fs.Var(&advisory, "advisory", "Validation rule to downgrade to advisory (repeatable)")
	fs.Parse(args)

	input, err := readInput(*inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	doc, err := ir.NewLoader().Parse(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	findings := ir.NewValidator(advisory...).Validate(doc)
	for _, f := range findings {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", f.Severity, f.Error())
	}
	if ir.HasFatal(findings) {
		return 1
	}
	fmt.Println("Document is valid")
	return 0
}

func runCapabilities(args []string) int {
	fs := flag.NewFlagSet("crossgw capabilities", flag.ExitOnError)
	providerName := fs.String("provider", "", "Provider ("+providerList()+")")
	fs.Parse(args)

	if *providerName == "" {
		fmt.Fprintln(os.Stderr, "-provider is required")
		return 1
	}
	rows := capability.ListCapabilities(*providerName)
	if rows == nil {
		fmt.Fprintf(os.Stderr, "unknown provider %q\n", *providerName)
		return 1
	}
	for _, r := range rows {
		if r.Note != "" {
			fmt.Printf("%-20s %-12s %s\n", r.Feature, r.Level, r.Note)
		} else {
			fmt.Printf("%-20s %s\n", r.Feature, r.Level)
		}
	}
	return 0
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("-in is required")
	}
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return data, nil
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func providerList() string {
	names := provider.Names()
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// stringList collects a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
