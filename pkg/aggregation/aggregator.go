// Package aggregation merges the partial outputs of stitching sub-jobs, each
// covering a contiguous range of frames or slices, into one artifact.
package aggregation

import (
	"context"
	"fmt"
	"os"
	"sort"

	"tomostitch/internal/models"
	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/config"
	"tomostitch/pkg/stitching"
	"tomostitch/pkg/tomo"
)

// SubJob is one partial stitching task. Index fixes its place in the final
// artifact, whatever the order in which sub-jobs complete.
type SubJob struct {
	Index  int
	Name   string
	Future *Future
}

// FromIdentifiers wraps the outputs of already completed sub-jobs, in order.
func FromIdentifiers(identifiers []string) []SubJob {
	jobs := make([]SubJob, len(identifiers))
	for i, id := range identifiers {
		jobs[i] = SubJob{Index: i, Name: id, Future: Completed(id)}
	}
	return jobs
}

// Aggregator concatenates partial scans along the projection axis and
// partial volumes along axis 1.
type Aggregator struct {
	// Config is recorded in the provenance record; it may be nil
	Config *config.StitchingConfiguration

	Jobs      []SubJob
	Output    string
	Overwrite bool

	// RemovePartials deletes the partial outputs once the artifact is committed
	RemovePartials bool
}

// Process resolves every sub-job and writes the final artifact. If any
// sub-job failed or was cancelled, it returns an *stitcherr.AggregationFailure
// naming all of them and writes nothing.
func (a *Aggregator) Process(ctx context.Context) (string, error) {
	if a.Output == "" {
		return "", stitcherr.Configf(nil, "no output identifier given")
	}
	if len(a.Jobs) == 0 {
		return "", stitcherr.Configf(nil, "nothing to aggregate")
	}
	jobs := append([]SubJob(nil), a.Jobs...)
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Index < jobs[j].Index })
	for i := 1; i < len(jobs); i++ {
		if jobs[i].Index == jobs[i-1].Index {
			return "", stitcherr.Configf([]string{jobs[i-1].Name, jobs[i].Name}, "sub-jobs share index %d", jobs[i].Index)
		}
	}

	partials, err := resolve(ctx, jobs)
	if err != nil {
		return "", err
	}
	monitoring.Logf("Aggregating %d partial outputs into %s", len(partials), a.Output)

	items := make([]tomo.Item, 0, len(partials))
	defer func() {
		for _, it := range items {
			if c, ok := it.(interface{ Close() error }); ok {
				c.Close()
			}
		}
	}()
	for _, id := range partials {
		it, err := tomo.Open(id)
		if err != nil {
			return "", fmt.Errorf("failed to open partial output %s: %w", id, err)
		}
		items = append(items, it)
	}

	var sink tomo.Sink
	switch kind := items[0].Kind(); kind {
	case models.KindScan:
		sink, err = a.scanSink(items)
	case models.KindVolume:
		sink, err = a.volumeSink(items)
	default:
		err = fmt.Errorf("cannot aggregate %s items", kind)
	}
	if err != nil {
		return "", err
	}
	defer sink.Close()

	written := 0
	for _, it := range items {
		for k := 0; k < it.NUnits(); k++ {
			unit, err := it.ReadUnit(k)
			if err != nil {
				return "", fmt.Errorf("failed to read unit %d of %s: %w", k, it.Identifier(), err)
			}
			if err := sink.WriteUnit(written, unit); err != nil {
				return "", err
			}
			written++
		}
	}
	if err := sink.Commit(); err != nil {
		return "", err
	}
	output := sink.Identifier()

	record, err := stitching.NewProvenance(a.Config, output)
	if err != nil {
		return "", err
	}
	record.Inputs = partials
	if _, err := stitching.WriteProvenance(output, record); err != nil {
		return "", err
	}

	if a.RemovePartials {
		removePartials(partials)
	}
	monitoring.Logf("Aggregation complete: %s (%d units)", output, written)
	return output, nil
}

// resolve waits for every future and collects all failures before returning.
func resolve(ctx context.Context, jobs []SubJob) ([]string, error) {
	outputs := make([]string, len(jobs))
	var failed []stitcherr.FailedUnit
	for i, job := range jobs {
		if job.Future == nil {
			failed = append(failed, stitcherr.FailedUnit{Index: job.Index, Name: job.Name, Err: fmt.Errorf("no result")})
			continue
		}
		out, err := job.Future.Wait(ctx)
		if err != nil {
			failed = append(failed, stitcherr.FailedUnit{
				Index:     job.Index,
				Name:      job.Name,
				Cancelled: isCancellation(err),
				Err:       err,
			})
			continue
		}
		outputs[i] = out
	}
	if len(failed) > 0 {
		return nil, &stitcherr.AggregationFailure{Failed: failed}
	}
	return outputs, nil
}

func (a *Aggregator) scanSink(items []tomo.Item) (tomo.Sink, error) {
	format, path, err := tomo.ParseIdentifier(a.Output)
	if err != nil {
		return nil, stitcherr.Configf(nil, "%v", err)
	}
	if format != tomo.FormatScan {
		return nil, stitcherr.Configf(nil, "partial scans must be aggregated into a scan, got %q", a.Output)
	}

	var metas []tomo.ScanMetadata
	for _, it := range items {
		scan, ok := it.(*tomo.ScanItem)
		if !ok {
			return nil, stitcherr.Configf([]string{it.Identifier()}, "cannot aggregate scans and volumes together")
		}
		metas = append(metas, scan.Metadata())
	}
	first := metas[0]
	meta := first
	meta.Frames = 0
	meta.RotationAngles = nil
	meta.XTranslation, meta.YTranslation, meta.ZTranslation = nil, nil, nil
	for i, m := range metas {
		if m.Height != first.Height || m.Width != first.Width {
			return nil, stitcherr.Configf([]string{items[0].Identifier(), items[i].Identifier()},
				"partial frames differ: (%d, %d) vs (%d, %d)", first.Height, first.Width, m.Height, m.Width)
		}
		meta.Frames += m.Frames
		meta.RotationAngles = append(meta.RotationAngles, m.RotationAngles...)
		meta.XTranslation = append(meta.XTranslation, m.XTranslation...)
		meta.YTranslation = append(meta.YTranslation, m.YTranslation...)
		meta.ZTranslation = append(meta.ZTranslation, m.ZTranslation...)
		if !m.StartTime.IsZero() && (meta.StartTime.IsZero() || m.StartTime.Before(meta.StartTime)) {
			meta.StartTime = m.StartTime
		}
		if m.EndTime.After(meta.EndTime) {
			meta.EndTime = m.EndTime
		}
	}
	for _, series := range []*[]float64{&meta.RotationAngles, &meta.XTranslation, &meta.YTranslation, &meta.ZTranslation} {
		if len(*series) != meta.Frames {
			*series = nil
		}
	}
	return tomo.CreateScanSink(path, meta, a.Overwrite)
}

func (a *Aggregator) volumeSink(items []tomo.Item) (tomo.Sink, error) {
	var metas []tomo.VolumeMetadata
	for _, it := range items {
		vol, ok := it.(*tomo.VolumeItem)
		if !ok {
			return nil, stitcherr.Configf([]string{it.Identifier()}, "cannot aggregate scans and volumes together")
		}
		metas = append(metas, vol.Metadata())
	}
	first := metas[0]
	meta := first
	meta.Min, meta.Max = 0, 0
	meta.Shape[1] = 0
	for i, m := range metas {
		if m.Shape[0] != first.Shape[0] || m.Shape[2] != first.Shape[2] {
			return nil, stitcherr.Configf([]string{items[0].Identifier(), items[i].Identifier()},
				"partial slices differ: (%d, %d) vs (%d, %d)", first.Shape[0], first.Shape[2], m.Shape[0], m.Shape[2])
		}
		meta.Shape[1] += m.Shape[1]
	}
	// partials are stacked downwards from the first one along axis 1
	meta.Position[1] = first.Position[1] + first.VoxelSize*float64(meta.Shape[1]-first.Shape[1])/2
	return tomo.CreateVolumeSink(a.Output, meta, a.Overwrite)
}

func removePartials(identifiers []string) {
	for _, id := range identifiers {
		_, path, err := tomo.ParseIdentifier(id)
		if err != nil {
			continue
		}
		for _, p := range []string{path, path + ".yaml"} {
			if err := os.RemoveAll(p); err != nil {
				monitoring.Warnf("failed to remove partial output %s: %v", p, err)
			}
		}
		if prov, err := stitching.ProvenancePath(id); err == nil {
			os.Remove(prov)
		}
	}
}
