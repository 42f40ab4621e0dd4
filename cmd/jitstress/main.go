package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"emujit/pkg/config"
	"emujit/pkg/frontend/synth"
	"emujit/pkg/jit"
	"emujit/pkg/tcg/amd64"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config-path", "", "Path to a JSON configuration file")
	blocks := flag.Int("blocks", 4096, "Distinct guest blocks to translate")
	rounds := flag.Int("rounds", 4, "Passes each worker makes over the blocks")
	seed := flag.Uint64("seed", 1, "Seed of the synthetic guest code")
	flushEvery := flag.Duration("flush-every", 0, "Flush all generated code at this interval")

	flag.Parse()

	if *blocks < 1 || *rounds < 1 {
		log.Fatal("Error: --blocks and --rounds must be positive")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg = cfg.WithEnv()

	log.Printf("Host features: %s", amd64.DetectFeatures())

	rt, err := jit.NewRuntime(cfg, synth.Options()...)
	if err != nil {
		log.Fatalf("Failed to create runtime: %v", err)
	}
	defer rt.Close()

	front, err := synth.New(rt, *seed)
	if err != nil {
		log.Fatalf("Failed to create front-end: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var done atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		g.Go(func() error {
			c := rt.NewCompiler()
			for round := 0; round < *rounds; round++ {
				for i := 0; i < *blocks; i++ {
					if gctx.Err() != nil {
						return nil
					}
					// Workers walk the blocks in different orders.
					pc := uint64((i*(2*w+1))%*blocks) * 4
					b := front.At(pc)
					if _, err := c.Generate(b, b.Key()); err != nil {
						return err
					}
					done.Add(1)
				}
			}
			return nil
		})
	}

	flushDone := make(chan struct{})
	if *flushEvery > 0 {
		go func() {
			defer close(flushDone)
			ticker := time.NewTicker(*flushEvery)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return
				case <-ticker.C:
					rt.Flush()
				}
			}
		}()
	} else {
		close(flushDone)
	}

	err = g.Wait()
	stop()
	<-flushDone
	if err != nil {
		log.Fatalf("Worker failed: %v", err)
	}

	elapsed := time.Since(start)
	log.Printf("Generated %d blocks with %d workers in %s", done.Load(), cfg.Workers, elapsed)
	if err := rt.Stats().Dump(os.Stdout); err != nil {
		log.Fatalf("Failed to dump stats: %v", err)
	}
}
