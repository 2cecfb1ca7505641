package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Enroll and check in with the fleet server
  %s daemon                   Same as above

SUBCOMMANDS:
  %s status                   Show enrollment and the last check-in
  %s doctor [-json]           Run diagnostic checks
  %s query <sql>              Run SQL against the built-in tables locally
  %s tables                   List the built-in tables and their columns

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOPROBE_HOME                Data directory (default: ~/.goprobe)
  GOPROBE_SERVER_URL          Fleet server base URL
  GOPROBE_ENROLL_SECRET       Shared enrollment secret
  GOPROBE_INTERVAL_SECONDS    Check-in interval
  GOPROBE_LOG_LEVEL           debug, info, warn or error
  GOPROBE_KEEPALIVE_SCHEDULE  Keep-alive cron schedule (default: @every 1m)

EXAMPLES:
  Run the agent:          %s -verbose
  Inspect this host:      %s query "SELECT * FROM os_version"
`, os.Args[0], os.Args[0])
}

func main() {
	verbose := flag.Bool("verbose", false, "mirror logs to stdout even when it is not a terminal")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "query":
			os.Exit(runQueryCommand(ctx, args[1:], os.Stdout))
		case "tables":
			os.Exit(runTablesCommand(args[1:], os.Stdout))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, *verbose))
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: goprobe daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: goprobe daemon [--help]")
	fmt.Fprintln(w, "       goprobe -verbose")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the agent: enrolls with the fleet server and polls for distributed queries.")
}
