package proc

import "github.com/prometheus/procfs"

// zombie reads the process state from /proc/<pid>/stat. A process that has
// exited but not been reaped still answers kill(0).
func zombie(pid int) bool {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return false
	}
	stat, err := p.Stat()
	if err != nil {
		return false
	}
	return stat.State == "Z"
}
