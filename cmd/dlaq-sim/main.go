// dlaq-sim drives the task engine against the in-memory host services:
// it opens a queue, submits a batch of tasks with syncpoint postfences,
// advances the simulated counter and prints a metrics snapshot. Useful for
// exercising the submission and completion paths without hardware.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dallin-b/go-dlaq"
)

func main() {
	var (
		tasks   = flag.Int("tasks", 16, "Number of tasks to submit")
		depth   = flag.Int("depth", 8, "Descriptor slots per queue")
		channel = flag.Bool("channel", false, "Use channel dispatch instead of MMIO")
		verbose = flag.Bool("v", false, "Verbose output")
		dump    = flag.Bool("dump", false, "Dump queue state mid-run")
	)
	flag.Parse()

	mode := dlaq.SubmitModeMMIO
	if *channel {
		mode = dlaq.SubmitModeChannel
	}

	level := "info"
	if *verbose {
		level = "debug"
	}

	sim := dlaq.NewSimHost(32)
	mapper := dlaq.NewSimBufferMapper()

	eng, err := dlaq.New(dlaq.Config{
		Mapper:         mapper,
		Syncpoints:     sim,
		Notifier:       sim,
		Power:          sim,
		Dispatch:       sim,
		Mode:           mode,
		QueueDepth:     *depth,
		DescriptorBase: 0x1000_0000,
	}, &dlaq.Options{LogLevel: level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}

	qh, err := eng.OpenQueue()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open queue: %v\n", err)
		os.Exit(1)
	}

	input := mapper.CreateBuffer(64 * 1024)
	output := mapper.CreateBuffer(64 * 1024)

	// Submit in bursts no larger than the pool, completing each burst by
	// advancing the counter to the last task's fence.
	submitted := 0
	for submitted < *tasks {
		burst := *depth
		if remaining := *tasks - submitted; remaining < burst {
			burst = remaining
		}

		var last *dlaq.TaskHandle
		handles := make([]*dlaq.TaskHandle, 0, burst)
		for i := 0; i < burst; i++ {
			th, err := eng.Submit(qh, &dlaq.TaskDescription{
				Operation:     1,
				InputBuffers:  []dlaq.BufferRef{{Handle: input}},
				OutputBuffers: []dlaq.BufferRef{{Handle: output}},
				Postfences: []dlaq.Fence{{
					Kind: dlaq.FenceSyncpoint,
					Op:   dlaq.FenceSignal,
				}},
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "submit: %v\n", err)
				os.Exit(1)
			}
			handles = append(handles, th)
			last = th
		}
		submitted += burst

		if *dump {
			eng.DumpQueue(qh, os.Stdout)
			*dump = false
		}

		sim.Advance(qh.SyncpointID(), last.Fence()-sim.Current(qh.SyncpointID()))
		for _, th := range handles {
			th.Release()
		}
	}

	if err := eng.CloseQueue(qh); err != nil {
		fmt.Fprintf(os.Stderr, "close queue: %v\n", err)
		os.Exit(1)
	}

	snap := eng.Metrics().Snapshot()
	fmt.Printf("submitted:    %d\n", snap.Submits)
	fmt.Printf("completed:    %d\n", snap.Completions)
	fmt.Printf("max depth:    %d\n", snap.MaxQueueDepth)
	fmt.Printf("avg depth:    %.1f\n", snap.AvgQueueDepth)
	fmt.Printf("submit rate:  %.0f/s\n", snap.SubmitRate)
	fmt.Printf("residency:    avg %dns p50 %dns p99 %dns\n",
		snap.AvgResidencyNs, snap.ResidencyP50Ns, snap.ResidencyP99Ns)
	if !mapper.Balanced() {
		fmt.Fprintln(os.Stderr, "warning: pin/unpin counts unbalanced")
		os.Exit(1)
	}
}
