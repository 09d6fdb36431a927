package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/repository/memory"
	"github.com/MrEthical07/goSession/session"
)

var (
	ltNodes    int
	ltSessions int
	ltWorkers  int
	ltOps      int
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Increment shared session counters from several nodes and check for lost updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ltNodes <= 0 || ltSessions <= 0 || ltWorkers <= 0 || ltOps <= 0 {
			return errors.New("nodes, sessions, workers and ops must be > 0")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		stop, err := withLocalRedis(cmd, &cfg)
		if err != nil {
			return err
		}
		defer stop()

		nodes, err := buildNodes(cfg, ltNodes)
		if err != nil {
			return err
		}
		defer func() {
			for _, m := range nodes {
				_ = m.Close()
			}
		}()

		res, err := runLoad(cmd.Context(), nodes, loadOptions{
			Sessions: ltSessions,
			Workers:  ltWorkers,
			Ops:      ltOps,
		})
		if err != nil {
			return err
		}
		printLoadResult(cmd.OutOrStdout(), res)
		if res.Lost != 0 {
			return fmt.Errorf("%d updates lost", res.Lost)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loadtestCmd)
	loadtestCmd.Flags().IntVar(&ltNodes, "nodes", 2, "Number of managers sharing the repository")
	loadtestCmd.Flags().IntVar(&ltSessions, "sessions", 50, "Number of shared sessions")
	loadtestCmd.Flags().IntVar(&ltWorkers, "workers", 32, "Concurrent workers per node")
	loadtestCmd.Flags().IntVar(&ltOps, "ops", 5000, "Total increments across all nodes")
}

// buildNodes builds n managers over one shared repository.
func buildNodes(cfg goSession.Config, n int) ([]*goSession.Manager, error) {
	var shared *memory.Repository
	switch cfg.Repository.Backend {
	case goSession.BackendMemory:
		shared = memory.NewRepository()
	case goSession.BackendBolt:
		if n > 1 {
			return nil, errors.New("the bbolt backend cannot be shared between nodes")
		}
	}

	nodes := make([]*goSession.Manager, 0, n)
	for i := 0; i < n; i++ {
		b := goSession.New().WithConfig(cfg)
		if shared != nil {
			b = b.WithRepository(shared)
		}
		m, err := b.Build()
		if err != nil {
			for _, built := range nodes {
				_ = built.Close()
			}
			return nil, err
		}
		nodes = append(nodes, m)
	}
	return nodes, nil
}

type loadOptions struct {
	Sessions int
	Workers  int
	Ops      int
	// LockAttempts bounds retries of a conflicting lock per increment.
	LockAttempts int
}

type loadResult struct {
	Total     time.Duration
	Ops       int
	Failures  int64
	Conflicts int64
	Lost      int64
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
}

// nodeSession serializes the workers of one node on one session so each increment is
// a single read-modify-write under the foreground lock.
type nodeSession struct {
	mu sync.Mutex
	s  *session.Session
}

func runLoad(ctx context.Context, nodes []*goSession.Manager, opts loadOptions) (loadResult, error) {
	if opts.LockAttempts <= 0 {
		opts.LockAttempts = 1000
	}

	ids := make([]string, opts.Sessions)
	for i := range ids {
		s, err := nodes[0].Create(ctx)
		if err != nil {
			return loadResult{}, err
		}
		if !s.LockForeground(ctx) {
			return loadResult{}, fmt.Errorf("seed session %s: lock failed", s.ID())
		}
		s.SetAttribute("count", int64(0))
		s.UnlockForeground()
		ids[i] = s.ID()
	}
	for _, id := range ids {
		if err := waitStored(ctx, nodes[0], id); err != nil {
			return loadResult{}, err
		}
	}

	handles := make([][]nodeSession, len(nodes))
	for n := range nodes {
		handles[n] = make([]nodeSession, len(ids))
	}
	expected := make([]int64, len(ids))

	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		conflicts int64
		latencies = make([]time.Duration, 0, opts.Ops)
		latMu     sync.Mutex
	)

	start := time.Now()
	for n, m := range nodes {
		for w := 0; w < opts.Workers; w++ {
			wg.Add(1)
			go func(node int, m *goSession.Manager, worker int) {
				defer wg.Done()
				r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(node*opts.Workers+worker)*7919))
				for {
					if int(atomic.AddInt64(&cursor, 1)) > opts.Ops {
						return
					}
					idx := r.Intn(len(ids))
					h := &handles[node][idx]

					t0 := time.Now()
					ok, conflicted := increment(ctx, m, h, ids[idx], opts.LockAttempts)
					d := time.Since(t0)

					atomic.AddInt64(&conflicts, int64(conflicted))
					if ok {
						atomic.AddInt64(&expected[idx], 1)
					} else {
						atomic.AddInt64(&failures, 1)
					}
					latMu.Lock()
					latencies = append(latencies, d)
					latMu.Unlock()
				}
			}(n, m, w)
		}
	}
	wg.Wait()
	total := time.Since(start)

	for _, m := range nodes {
		for _, s := range m.Sessions() {
			waitSettled(s)
		}
	}

	var lost int64
	for i, id := range ids {
		got, err := storedCount(ctx, nodes[0], id)
		if err != nil {
			return loadResult{}, err
		}
		if diff := expected[i] - got; diff != 0 {
			lost += diff
		}
	}

	res := computeLoadStats(total, latencies)
	res.Failures = failures
	res.Conflicts = conflicts
	res.Lost = lost
	return res, nil
}

// increment adds one to the session counter. It reports whether the update was
// applied and how many lock attempts were refused.
func increment(ctx context.Context, m *goSession.Manager, h *nodeSession, id string, attempts int) (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.s == nil || !h.s.IsValid() {
		s, err := m.Find(ctx, id)
		if err != nil {
			return false, 0
		}
		h.s = s
	}

	refused := 0
	for !h.s.LockForeground(ctx) {
		refused++
		if refused >= attempts || ctx.Err() != nil {
			return false, refused
		}
		time.Sleep(100 * time.Microsecond)
	}
	if h.s.RepoStatus() == session.StatusNotExists {
		return false, refused
	}

	v, _ := h.s.Attribute("count")
	n, _ := v.(int64)
	h.s.SetAttribute("count", n+1)
	h.s.UnlockForeground()
	return true, refused
}

func waitSettled(s *session.Session) {
	for s.HasPendingOperation() {
		time.Sleep(time.Millisecond)
	}
}

func waitStored(ctx context.Context, m *goSession.Manager, id string) error {
	for {
		rec, err := m.Repository().Get(ctx, id)
		if err == nil && len(rec.Data) > 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Millisecond)
	}
}

func storedCount(ctx context.Context, m *goSession.Manager, id string) (int64, error) {
	rec, err := m.Repository().Get(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", id, err)
	}
	snap, err := session.Decode(rec.Data)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", id, err)
	}
	n, _ := snap.Attributes["count"].(int64)
	return n, nil
}

func computeLoadStats(total time.Duration, samples []time.Duration) loadResult {
	if len(samples) == 0 {
		return loadResult{Total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return loadResult{
		Total: total,
		Ops:   len(samples),
		P50:   percentile(samples, 50),
		P95:   percentile(samples, 95),
		P99:   percentile(samples, 99),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printLoadResult(w io.Writer, r loadResult) {
	opsPerS := 0.0
	if r.Total > 0 {
		opsPerS = float64(r.Ops) / r.Total.Seconds()
	}
	fmt.Fprintf(w, "increments: ops=%d failures=%d conflicts=%d lost=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		r.Ops,
		r.Failures,
		r.Conflicts,
		r.Lost,
		r.Total.Round(time.Millisecond),
		opsPerS,
		r.P50.Round(time.Microsecond),
		r.P95.Round(time.Microsecond),
		r.P99.Round(time.Microsecond),
	)
}
