// Package main provides the parfor CLI: a small harness for exercising the
// scheduler against a synthetic workload, outside of the test suite.
package main

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/born-ml/parfor"
)

const version = "v0.0.1-dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("parfor %s\n", version)
			return
		case "bench":
			runBench(os.Args[2:])
			return
		}
	}

	fmt.Println("parfor - a timespan-adaptive parallel-for scheduler")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version          Show version")
	fmt.Println("  bench [n]        Run a synthetic ParallelFor over n iterations (default 10000000)")
}

func runBench(args []string) {
	n := uint64(10_000_000)
	if len(args) > 0 {
		if v, err := strconv.ParseUint(args[0], 10, 64); err == nil {
			n = v
		}
	}

	fmt.Printf("workers: %d\n", parfor.NumWorkers())

	var count atomic.Int64
	start := time.Now()
	parfor.ParallelFor(0, n, func(i uint64) {
		count.Add(1)
	}, 1, parfor.Delayed, parfor.GrainAuto)
	elapsed := time.Since(start)

	fmt.Printf("iterations: %d\n", count.Load())
	fmt.Printf("elapsed: %s\n", elapsed)
}
