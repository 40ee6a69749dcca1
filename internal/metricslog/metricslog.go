// Package metricslog is the default sharder.MetricsSink: one structured log
// line per shard, written to a metrics file as JSON.
package metricslog

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/verilylifesciences/joint-genotype/internal/sharder"
)

// Sink writes one JSON line per Report to a zap-backed logger.
type Sink struct {
	logger *zap.Logger
}

// New builds a Sink that appends to path, creating it if necessary.
func New(path string) (*Sink, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.LevelKey = ""
	cfg.EncoderConfig.CallerKey = ""
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("metricslog: build logger for %s: %w", path, err)
	}
	return &Sink{logger: logger}, nil
}

// NewNop returns a Sink that discards everything, for runs given no metrics
// path.
func NewNop() *Sink {
	return &Sink{logger: zap.NewNop()}
}

// Write implements sharder.MetricsSink.
func (s *Sink) Write(r sharder.Report) error {
	fields := []zap.Field{
		zap.Int("shard_number", r.ShardNumber),
		zap.Int("shards_total", r.ShardsTotal),
		zap.Int("vcf_count", r.VCFCount),
		zap.Int("threads", r.Threads),
		zap.String("begin_cut", r.BeginCut.String()),
	}
	fields = append(fields, offsetFamily("begin_offset", r.BeginOffsets)...)
	if r.EndCut != nil {
		fields = append(fields, zap.String("end_cut", r.EndCut.String()))
	} else {
		fields = append(fields, zap.String("end_cut", "null"))
	}
	fields = append(fields, offsetFamily("end_offset", r.EndOffsets)...)
	fields = append(fields,
		zap.Float64("init_s", r.InitSeconds),
		zap.Float64("write_s", r.WriteSeconds),
		zap.Float64("total_s", r.TotalSeconds),
	)
	if r.WriteSkipped {
		fields = append(fields, zap.Bool("write_skipped", true))
	} else {
		fields = append(fields, offsetFamily("shard_size", r.ShardSizes)...)
		fields = append(fields, zap.Int("ref_queried", r.RefQueried))
	}
	s.logger.Info("shard metrics", fields...)
	return nil
}

// Close flushes and releases the underlying logger.
func (s *Sink) Close() error {
	return s.logger.Sync()
}

// offsetFamily emits the min/avg/max/first summary of a per-input int64
// slice under "<name>_min", "<name>_avg", "<name>_max", "<name>_first".
func offsetFamily(name string, values []int64) []zap.Field {
	if len(values) == 0 {
		return nil
	}
	min, max := values[0], values[0]
	var sum int64
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	avg := float64(sum) / float64(len(values))
	return []zap.Field{
		zap.Int64(name+"_min", min),
		zap.Float64(name+"_avg", avg),
		zap.Int64(name+"_max", max),
		zap.Int64(name+"_first", values[0]),
	}
}
