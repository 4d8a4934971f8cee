// Copyright 2025 Parfor Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package parfor

import (
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/born-ml/parfor/internal/pool"
)

// envPriority lists the environment variables consulted for the worker
// count, in priority order. The first one that parses as a positive
// integer wins; a malformed or non-positive value is skipped rather than
// rejected outright, since this is an environment-boundary read rather
// than a programmer error.
var envPriority = []string{"BENCH_NUM_THREADS", "OMP_NUM_THREADS", "CILK_NWORKERS"}

// resolveNumWorkers reads envPriority in order and falls back to
// runtime.NumCPU() if none of them supply a usable value.
func resolveNumWorkers() int {
	for _, name := range envPriority {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		return n
	}
	return runtime.NumCPU()
}

// lazyPool constructs the process-wide worker pool exactly once, the
// first time any ParallelFor/ParDo/NumWorkers/WorkerID call needs it,
// reading the worker count from the environment at that point.
type lazyPool struct {
	once sync.Once
	p    *pool.Pool
}

func newLazyPool() *lazyPool {
	return &lazyPool{}
}

func (l *lazyPool) get() *pool.Pool {
	l.once.Do(func() {
		l.p = pool.New(resolveNumWorkers())
	})
	return l.p
}
