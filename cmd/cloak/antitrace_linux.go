//go:build linux

package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// checkTracer refuses to continue when a debugger is attached.
func checkTracer() error {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		log.Warningf("anti-trace check skipped: %v", err)
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		v, ok := strings.CutPrefix(sc.Text(), "TracerPid:")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil
		}
		if pid != 0 {
			return fmt.Errorf("refusing to run a protected chunk under tracer %d", pid)
		}
		return nil
	}
	return sc.Err()
}
