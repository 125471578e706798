package aggregation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"tomostitch/internal/monitoring"
	"tomostitch/pkg/config"
	"tomostitch/pkg/stitching"
	"tomostitch/pkg/tomo"
)

// Runner runs the stitching described by cfg and returns its output identifier.
type Runner func(ctx context.Context, cfg *config.StitchingConfiguration) (string, error)

// DispatchOptions tunes Dispatch.
type DispatchOptions struct {
	// Chunks is the number of sub-jobs the selection is split into
	Chunks int

	// Workers bounds the number of sub-jobs running at once, default 1
	Workers int

	// Units is the number of frames or slices of the inputs. When zero it is
	// read from the inputs.
	Units int

	// Runner defaults to stitching.Stitch
	Runner Runner

	// Ledger, if set, records the run under RunID (created when empty)
	Ledger *Ledger
	RunID  string
}

// Dispatch splits the frame or slice selection of cfg into contiguous
// chunks, starts one sub-job per chunk and returns without waiting. Each
// sub-job writes a partial output next to cfg.Output.Identifier.
func Dispatch(ctx context.Context, cfg *config.StitchingConfiguration, opts DispatchOptions) ([]SubJob, error) {
	n := opts.Units
	if n <= 0 {
		var err error
		if n, err = countUnits(cfg.Inputs); err != nil {
			return nil, err
		}
	}
	selection, err := config.SelectIndices(cfg.Slices, n)
	if err != nil {
		return nil, err
	}
	chunks := splitChunks(selection, max(opts.Chunks, 1))

	runner := opts.Runner
	if runner == nil {
		runner = func(_ context.Context, cfg *config.StitchingConfiguration) (string, error) {
			return stitching.Stitch(cfg)
		}
	}
	if opts.Ledger != nil && opts.RunID == "" {
		if opts.RunID, err = opts.Ledger.StartRun(ctx, cfg.Output.Identifier, cfg); err != nil {
			return nil, err
		}
	}

	jobs := make([]SubJob, len(chunks))
	configs := make([]*config.StitchingConfiguration, len(chunks))
	for i, chunk := range chunks {
		sub := cfg.Clone()
		sub.Slices = formatSelection(chunk)
		sub.Output.Identifier = PartialIdentifier(cfg.Output.Identifier, i)
		configs[i] = sub
		jobs[i] = SubJob{
			Index:  i,
			Name:   fmt.Sprintf("part%03d[%d:%d]", i, chunk[0], chunk[len(chunk)-1]+1),
			Future: NewFuture(),
		}
		if opts.Ledger != nil {
			if err := opts.Ledger.AddSubJob(ctx, opts.RunID, i, jobs[i].Name, sub.Output.Identifier); err != nil {
				return nil, err
			}
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(max(opts.Workers, 1))
	go func() {
		for i := range jobs {
			job, sub := jobs[i], configs[i]
			g.Go(func() error {
				out, err := "", ctx.Err()
				if err == nil {
					monitoring.Logf("Starting sub-job %s", job.Name)
					out, err = runner(ctx, sub)
				}
				if opts.Ledger != nil {
					if lerr := opts.Ledger.FinishSubJob(context.Background(), opts.RunID, job.Index, out, err); lerr != nil {
						monitoring.Warnf("failed to record sub-job %s: %v", job.Name, lerr)
					}
				}
				job.Future.Resolve(out, err)
				// failures are carried by the future so the other sub-jobs keep running
				return nil
			})
		}
		g.Wait()
	}()
	return jobs, nil
}

// Run dispatches cfg and aggregates the partial outputs into cfg.Output.
func Run(ctx context.Context, cfg *config.StitchingConfiguration, opts DispatchOptions) (string, error) {
	jobs, err := Dispatch(ctx, cfg, opts)
	if err != nil {
		return "", err
	}
	agg := &Aggregator{
		Config:         cfg,
		Jobs:           jobs,
		Output:         cfg.Output.Identifier,
		Overwrite:      cfg.Output.Overwrite,
		RemovePartials: true,
	}
	return agg.Process(ctx)
}

// PartialIdentifier names the output of sub-job index of a run writing to output.
func PartialIdentifier(output string, index int) string {
	return fmt.Sprintf("%s.part%03d", output, index)
}

func countUnits(inputs []string) (int, error) {
	n := 0
	for _, id := range inputs {
		it, err := tomo.Open(id)
		if err != nil {
			return 0, fmt.Errorf("failed to open %s: %w", id, err)
		}
		n = max(n, it.NUnits())
		if c, ok := it.(interface{ Close() error }); ok {
			c.Close()
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("inputs hold no frames or slices")
	}
	return n, nil
}

// splitChunks cuts selection into at most n contiguous, non-empty chunks of
// nearly equal length.
func splitChunks(selection []int, n int) [][]int {
	n = min(n, len(selection))
	out := make([][]int, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := start + (len(selection)-start)/(n-i)
		out = append(out, selection[start:end])
		start = end
	}
	return out
}

func formatSelection(indices []int) string {
	parts := make([]string, len(indices))
	for i, v := range indices {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
