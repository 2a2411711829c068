// Command capstan is the governance kernel CLI: it validates intent, gates
// execution behind approvals and diff-audit, runs governed graphs, and seals
// evidence packs.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// kernelVersion gates governance profiles and is stamped into every pack.
const kernelVersion = "0.9.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "approve":
		return runApproveCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "capstan %s\n", kernelVersion)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sCapstan Kernel %s%s\n", ColorBold+ColorBlue, "v"+kernelVersion, ColorReset)
	fmt.Fprintf(w, "%sAgents propose. The kernel disposes.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  capstan <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "GOVERNANCE")
	printCommand(w, "run", "Validate, gate, and execute a plan (--plan, --execute, --token)")
	printCommand(w, "approve", "Mint a single-use approval token for an IR (--plan, --ttl)")

	printSection(w, "EVIDENCE")
	printCommand(w, "verify", "Re-verify a sealed evidence pack (--pack, --pubkey)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

// setupLogging points the default slog logger at w with the configured
// level. The kernel packages all log through slog.Default.
func setupLogging(w io.Writer, level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
