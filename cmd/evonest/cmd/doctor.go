package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
)

const (
	minFreeDiskBytes = 1 << 30   // 1 GiB
	minFreeMemBytes  = 512 << 20 // 512 MiB
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the engine can run here",
	RunE: func(_ *cobra.Command, _ []string) error {
		eng, err := buildEngine(false)
		if err != nil {
			return err
		}

		ok := true
		check := func(name string, pass bool, detail string) {
			mark := "ok"
			if !pass {
				mark = "FAIL"
				ok = false
			}
			fmt.Printf("%-28s %-4s %s\n", name, mark, detail)
		}

		if path, err := exec.LookPath(eng.cfg.LM.Path); err == nil {
			check("lm binary", true, path)
		} else {
			check("lm binary", false, eng.cfg.LM.Path+" not on PATH")
		}

		if _, err := exec.LookPath("git"); err == nil {
			check("git binary", true, "")
		} else {
			check("git binary", false, "git not on PATH")
		}

		if eng.ps.Initialized() {
			check("state directory", true, eng.ps.Dir())
		} else {
			check("state directory", false, "run `evonest init`")
		}

		if _, err := os.Stat(eng.ps.LockPath()); err == nil {
			check("lock", false, "lock file present; another instance may be running")
		} else {
			check("lock", true, "free")
		}

		if usage, err := disk.Usage(eng.ps.Root()); err == nil {
			check("disk headroom", usage.Free >= minFreeDiskBytes,
				fmt.Sprintf("%d MiB free", usage.Free>>20))
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			check("memory headroom", vm.Available >= minFreeMemBytes,
				fmt.Sprintf("%d MiB available", vm.Available>>20))
		}

		if token, err := eng.ps.ReadCautiousResume(); err == nil && token != nil {
			fmt.Printf("%-28s %-4s cycle %d awaiting `evonest resume`\n",
				"cautious pause", "note", token.CycleNumber)
		}

		if !ok {
			return fmt.Errorf("doctor found problems")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
