// Command vmsim boots the virtual memory subsystem and runs a set of
// simulated processes that stress demand paging, swapping, stack growth and
// memory-mapped files concurrently.
package main

import (
	"flag"
	"fmt"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/kmain"
	"os"

	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configFile string
		procs      int
		heapPages  int
		rounds     int
		seed       int64
	)

	flag.StringVar(&configFile, "config", "", "path to a JSON kernel configuration")
	flag.IntVar(&procs, "procs", 4, "number of concurrent processes")
	flag.IntVar(&heapPages, "heap-pages", 16, "anonymous heap pages per process")
	flag.IntVar(&rounds, "rounds", 200, "memory accesses per process")
	flag.Int64Var(&seed, "seed", 1, "workload random seed")
	flag.Parse()

	kfmt.SetOutputSink(os.Stdout)

	cfg := kmain.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = loadConfig(configFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	k, err := kmain.Boot(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var g errgroup.Group
	for pid := 1; pid <= procs; pid++ {
		w := &workload{
			pid:       pid,
			heapPages: heapPages,
			rounds:    rounds,
			seed:      seed + int64(pid),
		}
		g.Go(func() error { return w.run(k) })
	}

	runErr := g.Wait()
	k.Shutdown()

	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

// loadConfig adapts kmain.LoadConfig to the error interface.
func loadConfig(path string) (kmain.Config, error) {
	cfg, err := kmain.LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}
