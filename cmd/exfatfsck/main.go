// This is the new CLI driver, replacing the teacher's three single-purpose
// tools (print-boot-sector-header, list-contents, extract-file) with one
// fsck-shaped binary. Flag parsing (go-flags), the panic/recover/wrap exit
// path, and the overall main() shape are kept from the teacher's
// cmd/exfat_print_boot_sector_header; the mutually-exclusive repair-mode
// flags and human-readable summary are new, grounded on spec.md sections 1
// and 6.

package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/exfat-tools/exfatfsck"
)

type rootParameters struct {
	RepairNo   bool `short:"n" long:"repair-no" description:"Report faults but never repair"`
	Repair     bool `short:"r" long:"repair" description:"Prompt before each repair"`
	RepairYes  bool `short:"y" long:"repair-yes" description:"Assume yes to every repair prompt"`
	RepairAuto bool `short:"p" long:"repair-auto" description:"Automatically repair what is safe to repair without asking"`

	Verbose bool `short:"v" long:"verbose" description:"List every fault left uncorrected"`
	Version bool `short:"V" long:"version" description:"Print the version and exit"`

	Positional struct {
		Filepath string `positional-arg-name:"device" required:"true"`
	} `positional-args:"yes"`
}

var (
	rootArguments = new(rootParameters)
)

const versionString = "exfatfsck 1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		return int(exfat.ExitSyntaxError)
	}

	if rootArguments.Version == true {
		fmt.Println(versionString)
		return int(exfat.ExitNoErrors)
	}

	mode, modeErr := resolveMode()
	if modeErr != nil {
		fmt.Fprintln(os.Stderr, modeErr.Error())
		return int(exfat.ExitSyntaxError)
	}

	flagName := os.O_RDONLY
	if mode != exfat.ModeNo {
		flagName = os.O_RDWR
	}

	f, err := os.OpenFile(rootArguments.Positional.Filepath, flagName, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return int(exfat.ExitOperationalError)
	}

	defer f.Close()

	bd := exfat.NewOSBlockDevice(f)

	policy := exfat.NewRepairPolicy(mode, promptUser)

	ctx, code, runErr := exfat.Run(bd, policy)
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr.Error())
		return int(exfat.ExitOperationalError)
	}

	printSummary(ctx, policy)

	return int(code)
}

// resolveMode maps the mutually-exclusive CLI flags onto a RepairMode,
// defaulting to ModeNo (report-only) when none are given.
func resolveMode() (mode exfat.RepairMode, err error) {
	selected := 0
	mode = exfat.ModeNo

	if rootArguments.RepairNo == true {
		selected++
		mode = exfat.ModeNo
	}

	if rootArguments.Repair == true {
		selected++
		mode = exfat.ModeAsk
	}

	if rootArguments.RepairYes == true {
		selected++
		mode = exfat.ModeYes
	}

	if rootArguments.RepairAuto == true {
		selected++
		mode = exfat.ModeAuto
	}

	if selected > 1 {
		return mode, fmt.Errorf("-n, -r, -y, and -p are mutually exclusive")
	}

	return mode, nil
}

func promptUser(code exfat.FaultCode, message string) bool {
	fmt.Printf("%s\nRepair? [y/N] ", message)

	var response string
	fmt.Scanln(&response)

	return response == "y" || response == "Y"
}

func printSummary(ctx *exfat.FsckContext, policy *exfat.RepairPolicy) {
	if ctx == nil {
		return
	}

	fmt.Printf("%s: %d files, %d directories\n",
		humanize.Comma(int64(ctx.Stat.FileCount+ctx.Stat.DirCount)), ctx.Stat.FileCount, ctx.Stat.DirCount)

	if policy.FixedCount() > 0 {
		fmt.Printf("%d fault(s) repaired\n", policy.FixedCount())
	}

	if len(ctx.Stat.Faults) > 0 {
		fmt.Printf("%d fault(s) left uncorrected:\n", len(ctx.Stat.Faults))

		if rootArguments.Verbose == true {
			for _, fault := range ctx.Stat.Faults {
				fmt.Println(" -", fault.Error())
			}
		}
	}
}
