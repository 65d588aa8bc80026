// Command vkvm boots a Go guest kernel and an application ELF, both read
// from the paths given on the command line, under KVM. It is the thin CLI collaborator spec.md §1/§6 leaves external
// to the VM/VCPU bring-up logic in host/vmm.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/finallyjustice/vkvm/host/vmm"
)

func main() {
	var (
		kernelPath = flag.String("kernel", "", "path to the guest kernel ELF image")
		appPath    = flag.String("app", "", "path to the guest application ELF image")
		memMB      = flag.Uint64("mem-mb", 0, "guest memory size in MiB (default 2048)")
		vcpuID     = flag.Uint("vcpu-id", 0, "vCPU id to create")
		debug      = flag.Bool("debug", false, "enable verbose bring-up and dispatch logging")
	)
	flag.Parse()

	if *kernelPath == "" || *appPath == "" {
		fmt.Fprintln(os.Stderr, "usage: vkvm -kernel <path> -app <path> [-mem-mb N] [-vcpu-id N] [-debug]")
		os.Exit(2)
	}

	cfg := vmm.Config{
		KernelPath:  *kernelPath,
		AppPath:     *appPath,
		VCPUID:      uint8(*vcpuID),
		Debug:       *debug,
	}
	if *memMB != 0 {
		cfg.MemoryBytes = *memMB * 1024 * 1024
	}

	vm, err := vmm.New(cfg)
	if err != nil {
		log.Fatalf("vkvm: %v", err)
	}
	defer vm.Close()

	if err := vm.Run(); err != nil {
		log.Fatalf("vkvm: %v", err)
	}
}
