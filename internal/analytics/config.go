package analytics

import "time"

// Config holds the scheduling knobs and every detector threshold.
type Config struct {
	Interval    time.Duration
	Window      time.Duration
	RunDeadline time.Duration
	MaxEntries  int

	PatternMinCount   int
	PatternTrendDelta float64
	MaxPatterns       int
	ClusterSimilarity float64
	MaxClusters       int

	SequenceLength       int
	SequenceMinFrequency int
	SequenceSessionGap   time.Duration
	MaxSequences         int

	SpikeK            float64
	Bucket            time.Duration
	Buckets           int
	BurstInterval     time.Duration
	BurstAbsolute     int
	BurstRatio        float64
	SilenceMultiplier float64
	SilenceFloor      time.Duration
	NewPatternShare   float64
	BaselineWindow    time.Duration
	CorrelationWindow time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	var c Config
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.RunDeadline <= 0 {
		c.RunDeadline = 20 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 50000
	}
	if c.PatternMinCount <= 0 {
		c.PatternMinCount = 2
	}
	if c.PatternTrendDelta <= 0 {
		c.PatternTrendDelta = 0.2
	}
	if c.MaxPatterns <= 0 {
		c.MaxPatterns = 100
	}
	if c.ClusterSimilarity <= 0 {
		c.ClusterSimilarity = 0.6
	}
	if c.MaxClusters <= 0 {
		c.MaxClusters = 50
	}
	if c.SequenceLength < 2 {
		c.SequenceLength = 3
	}
	if c.SequenceMinFrequency <= 0 {
		c.SequenceMinFrequency = 5
	}
	if c.SequenceSessionGap <= 0 {
		c.SequenceSessionGap = 30 * time.Minute
	}
	if c.MaxSequences <= 0 {
		c.MaxSequences = 100
	}
	if c.SpikeK <= 0 {
		c.SpikeK = 3
	}
	if c.Bucket <= 0 {
		c.Bucket = time.Hour
	}
	if c.Buckets <= 0 {
		c.Buckets = 24
	}
	if c.BurstInterval <= 0 {
		c.BurstInterval = 5 * time.Minute
	}
	if c.BurstAbsolute <= 0 {
		c.BurstAbsolute = 10
	}
	if c.BurstRatio <= 0 {
		c.BurstRatio = 0.5
	}
	if c.SilenceMultiplier <= 0 {
		c.SilenceMultiplier = 3
	}
	if c.SilenceFloor <= 0 {
		c.SilenceFloor = 10 * time.Minute
	}
	if c.NewPatternShare <= 0 {
		c.NewPatternShare = 0.2
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = 7 * 24 * time.Hour
	}
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = 5 * time.Minute
	}
}
