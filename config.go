package vexfs

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lspecian/vexfs/coordinator"
	"github.com/lspecian/vexfs/distance"
	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/internal/resource"
	"github.com/lspecian/vexfs/store"
	"github.com/lspecian/vexfs/wal"
)

// Config is the file-based form of the engine options, for deployments that
// configure the engine from YAML instead of code.
type Config struct {
	// Dir is the data directory.
	Dir string `yaml:"dir"`

	Log struct {
		// Level is "debug", "info", "warn", or "error". Empty disables
		// logging.
		Level string `yaml:"level"`
		// Format is "text" (default) or "json".
		Format string `yaml:"format"`
	} `yaml:"log"`

	WAL struct {
		Disabled bool `yaml:"disabled"`
		// Durability is "sync", "group" (default), or "async".
		Durability          string        `yaml:"durability"`
		GroupCommitInterval time.Duration `yaml:"group_commit_interval"`
		Compress            bool          `yaml:"compress"`
		AutoCheckpointOps   int           `yaml:"auto_checkpoint_ops"`
		AutoCheckpointMB    int           `yaml:"auto_checkpoint_mb"`
	} `yaml:"wal"`

	Limits struct {
		MemoryBytes       int64   `yaml:"memory_bytes"`
		BackgroundWorkers int64   `yaml:"background_workers"`
		IOBytesPerSec     int64   `yaml:"io_bytes_per_sec"`
		VectorCacheBytes  int64   `yaml:"vector_cache_bytes"`
		ScansPerSec       float64 `yaml:"consistency_scans_per_sec"`
	} `yaml:"limits"`

	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	RebuildWorkers     int           `yaml:"rebuild_workers"`
	BatchWorkers       int           `yaml:"batch_workers"`
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, translateError(err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: config: dir is required", ErrInvalidParameter)
	}
	return &cfg, nil
}

// Options converts the config into the equivalent engine options.
func (c *Config) Options() ([]Option, error) {
	var opts []Option

	if c.Log.Level != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
			return nil, fmt.Errorf("%w: config: log level %q", ErrInvalidParameter, c.Log.Level)
		}
		if c.Log.Format == "json" {
			opts = append(opts, WithLogger(NewJSONLogger(level)))
		} else {
			opts = append(opts, WithLogger(NewTextLogger(level)))
		}
	}

	if c.WAL.Disabled {
		opts = append(opts, WithoutWAL())
	} else {
		mode := wal.DurabilityGroupCommit
		switch c.WAL.Durability {
		case "", "group":
		case "sync":
			mode = wal.DurabilitySync
		case "async":
			mode = wal.DurabilityAsync
		default:
			return nil, fmt.Errorf("%w: config: wal durability %q", ErrInvalidParameter, c.WAL.Durability)
		}
		walCfg := *c // copy to avoid capturing the caller's Config
		opts = append(opts, WithWALOptions(func(o *wal.Options) {
			o.DurabilityMode = mode
			o.Compress = walCfg.WAL.Compress
			if walCfg.WAL.GroupCommitInterval > 0 {
				o.GroupCommitInterval = walCfg.WAL.GroupCommitInterval
			}
			if walCfg.WAL.AutoCheckpointOps > 0 {
				o.AutoCheckpointOps = walCfg.WAL.AutoCheckpointOps
			}
			if walCfg.WAL.AutoCheckpointMB > 0 {
				o.AutoCheckpointMB = walCfg.WAL.AutoCheckpointMB
			}
		}))
	}

	opts = append(opts, WithResourceLimits(resource.Config{
		MemoryLimitBytes:     c.Limits.MemoryBytes,
		MaxBackgroundWorkers: c.Limits.BackgroundWorkers,
		IOLimitBytesPerSec:   c.Limits.IOBytesPerSec,
	}))
	if c.Limits.VectorCacheBytes > 0 {
		opts = append(opts, WithVectorCacheSize(c.Limits.VectorCacheBytes))
	}
	if c.Limits.ScansPerSec > 0 {
		opts = append(opts, WithConsistencyScanRate(c.Limits.ScansPerSec))
	}
	if c.TransactionTimeout > 0 {
		opts = append(opts, WithTransactionTimeout(c.TransactionTimeout))
	}
	if c.RebuildWorkers > 0 {
		opts = append(opts, WithRebuildWorkers(c.RebuildWorkers))
	}
	if c.BatchWorkers > 0 {
		opts = append(opts, WithBatchWorkers(c.BatchWorkers))
	}
	return opts, nil
}

// OpenConfig opens an engine from a loaded Config.
func OpenConfig(cfg *Config) (*Engine, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return Open(cfg.Dir, opts...)
}

// collectionManifest is the YAML sidecar persisted next to each collection's
// snapshot. It is the registry of collections: a manifest without a snapshot
// is a collection that was created but never checkpointed.
type collectionManifest struct {
	Name        string `yaml:"name"`
	Dimension   int    `yaml:"dimension"`
	ElementType string `yaml:"element_type,omitempty"`
	Metric      string `yaml:"metric"`
	Algorithm   string `yaml:"algorithm"`
	Capacity    int    `yaml:"capacity,omitempty"`

	HNSW *hnswManifest `yaml:"hnsw,omitempty"`
	LSH  *lshManifest  `yaml:"lsh,omitempty"`
}

type hnswManifest struct {
	M              int    `yaml:"m"`
	EFConstruction int    `yaml:"ef_construction"`
	EFSearch       int    `yaml:"ef_search"`
	MaxLayer       int    `yaml:"max_layer"`
	Heuristic      bool   `yaml:"heuristic"`
	Seed           *int64 `yaml:"seed,omitempty"`
}

type lshManifest struct {
	NumTables    int    `yaml:"num_tables"`
	NumFunctions int    `yaml:"num_functions"`
	NumProbes    int    `yaml:"num_probes"`
	Seed         *int64 `yaml:"seed,omitempty"`
}

func writeManifest(path string, spec coordinator.Spec) error {
	m := collectionManifest{
		Name:        spec.Name,
		Dimension:   spec.Dimension,
		ElementType: spec.ElementType.String(),
		Metric:      metricName(spec.Metric),
		Algorithm:   spec.Params.Kind.String(),
		Capacity:    spec.Capacity,
	}
	if p := spec.Params.HNSW; p != nil {
		m.HNSW = &hnswManifest{
			M:              p.M,
			EFConstruction: p.EFConstruction,
			EFSearch:       p.EFSearch,
			MaxLayer:       p.MaxLayer,
			Heuristic:      p.Heuristic,
			Seed:           p.Seed,
		}
	}
	if p := spec.Params.LSH; p != nil {
		m.LSH = &lshManifest{
			NumTables:    p.NumTables,
			NumFunctions: p.NumFunctions,
			NumProbes:    p.NumProbes,
			Seed:         p.Seed,
		}
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readManifest(path string) (coordinator.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return coordinator.Spec{}, err
	}
	var m collectionManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return coordinator.Spec{}, err
	}

	kind, err := index.ParseKind(m.Algorithm)
	if err != nil {
		return coordinator.Spec{}, err
	}
	metric, err := distance.ParseMetric(m.Metric)
	if err != nil {
		return coordinator.Spec{}, err
	}
	elem, err := store.ParseElementType(m.ElementType)
	if err != nil {
		return coordinator.Spec{}, err
	}

	params := index.Params{Kind: kind}
	switch kind {
	case index.KindHNSW:
		params.HNSW = index.DefaultHNSWParams()
		if m.HNSW != nil {
			params.HNSW = &index.HNSWParams{
				M:              m.HNSW.M,
				EFConstruction: m.HNSW.EFConstruction,
				EFSearch:       m.HNSW.EFSearch,
				MaxLayer:       m.HNSW.MaxLayer,
				Heuristic:      m.HNSW.Heuristic,
				Seed:           m.HNSW.Seed,
			}
		}
	case index.KindLSH:
		params.LSH = index.DefaultLSHParams()
		if m.LSH != nil {
			params.LSH = &index.LSHParams{
				NumTables:    m.LSH.NumTables,
				NumFunctions: m.LSH.NumFunctions,
				NumProbes:    m.LSH.NumProbes,
				Seed:         m.LSH.Seed,
			}
		}
	}

	return coordinator.Spec{
		Name:        m.Name,
		Dimension:   m.Dimension,
		ElementType: elem,
		Metric:      metric,
		Params:      params,
		Capacity:    m.Capacity,
	}, nil
}

// metricName maps a metric to its manifest/config spelling.
func metricName(m distance.Metric) string {
	switch m {
	case distance.MetricCosine:
		return "cosine"
	case distance.MetricDot:
		return "dot"
	default:
		return "l2"
	}
}
