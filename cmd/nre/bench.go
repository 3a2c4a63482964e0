package main

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/Nils-TUD/NRE-sub002/internal/boot"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/config"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/portal"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

type benchResult struct {
	Calls   int
	Clients int
	// Latencies in microseconds.
	Mean   float64
	StdDev float64
	P99    float64
	Rate   float64
}

// benchmark pings the echo service from cfg.Clients threads, each on its own
// CPU where possible, and summarises the round trip times.
func benchmark(rt *boot.Runtime, client *portal.Client, cfg config.BenchConfig) (benchResult, error) {
	clients := max(cfg.Clients, 1)
	per := max(cfg.Calls/clients, 1)

	var (
		mu      sync.Mutex
		samples = make([]float64, 0, per*clients)
		g       errgroup.Group
	)
	start := time.Now()
	for i := 0; i < clients; i++ {
		g.Go(func() error {
			ec, err := kobj.Adopt(rt.Env, i%rt.Env.CPUs(), 1)
			if err != nil {
				return err
			}
			defer ec.Close()

			local := make([]float64, 0, per)
			ping := func(f *utcb.Frame) error { return f.PutWord(opPing) }
			for j := 0; j < per; j++ {
				t := time.Now()
				if err := client.Call(ping, nil); err != nil {
					return err
				}
				local = append(local, float64(time.Since(t).Nanoseconds())/1e3)
			}
			mu.Lock()
			samples = append(samples, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}
	elapsed := time.Since(start)

	sort.Float64s(samples)
	mean, std := stat.MeanStdDev(samples, nil)
	return benchResult{
		Calls:   len(samples),
		Clients: clients,
		Mean:    mean,
		StdDev:  std,
		P99:     stat.Quantile(0.99, stat.Empirical, samples, nil),
		Rate:    float64(len(samples)) / elapsed.Seconds(),
	}, nil
}
