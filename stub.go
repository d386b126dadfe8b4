package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/kmain"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/vm"
)

func exit(err *kernel.Error) {
	fmt.Fprintf(os.Stderr, "[vmcore] error: %s\n", err.Error())
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: vmcore [flags] [command [args...]]\n\n")
	fmt.Fprintf(os.Stderr, "Boots the memory management subsystem and runs a debugger command.\n")
	fmt.Fprintf(os.Stderr, "Without a command, commands are read from stdin.\n\nflags:\n")
	flag.PrintDefaults()
}

// main boots the subsystem with the supplied flags and runs debugger
// commands against it.
func main() {
	var (
		configPath = flag.String("config", "", "JSON file with tuning parameters")
		pages      = flag.Uint64("pages", 4096, "number of physical frames")
		memMap     = flag.String("memmap", "", "memory map as start:length:type,... in pages; type is available or reserved")
		swapPath   = flag.String("swap", "", "path of the swap file")
		swapSize   = flag.Int64("swap-size", 64<<20, "swap file size in bytes")
	)
	flag.Usage = usage
	flag.Parse()

	kfmt.SetOutputSink(os.Stdout)

	info := kmain.BootInfo{
		Config:     vm.DefaultConfig(),
		FrameCount: *pages,
		SwapPath:   *swapPath,
		SwapSize:   *swapSize,
	}

	var err *kernel.Error
	if *configPath != "" {
		if info.Config, err = vm.LoadConfig(*configPath); err != nil {
			exit(err)
		}
	}
	if *memMap != "" {
		if info.MemoryMap, err = mm.ParseMemoryMap(*memMap); err != nil {
			exit(err)
		}
	}

	sys, err := kmain.Kmain(info)
	if err != nil {
		exit(err)
	}
	defer sys.Shutdown()

	if flag.NArg() > 0 {
		if err = runCommand(sys.Manager, flag.Args()); err != nil {
			exit(err)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Print("vm> "); scanner.Scan(); fmt.Print("vm> ") {
		args := strings.Fields(scanner.Text())
		switch {
		case len(args) == 0:
			continue
		case args[0] == "quit" || args[0] == "exit":
			return
		}

		if err = runCommand(sys.Manager, args); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", args[0], err.Error())
		}
	}
}

func runCommand(m *vm.Manager, args []string) *kernel.Error {
	if args[0] == "help" {
		for _, cmd := range m.DebugCommands() {
			fmt.Printf("%-18s %-28s %s\n", cmd.Name, cmd.Usage, cmd.Help)
		}
		return nil
	}

	return m.RunDebugCommand(os.Stdout, args[0], args[1:]...)
}
