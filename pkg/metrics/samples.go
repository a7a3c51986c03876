package metrics

import (
	"encoding/json"
	"sort"
)

// SampleBuffer is a bounded ring of float64 samples. When full, the
// oldest sample is evicted. Adds are O(1); percentiles sort a copy at
// query time.
type SampleBuffer struct {
	values []float64
	head   int
	full   bool
	max    int
}

// NewSampleBuffer creates a buffer holding at most max samples.
func NewSampleBuffer(max int) *SampleBuffer {
	if max <= 0 {
		max = 1
	}
	return &SampleBuffer{values: make([]float64, 0, max), max: max}
}

// Add appends a sample, evicting the oldest when the buffer is full.
func (b *SampleBuffer) Add(v float64) {
	if len(b.values) < b.max {
		b.values = append(b.values, v)
		return
	}
	b.values[b.head] = v
	b.head = (b.head + 1) % b.max
	b.full = true
}

// Len returns the number of stored samples.
func (b *SampleBuffer) Len() int { return len(b.values) }

// Values returns the samples in insertion order.
func (b *SampleBuffer) Values() []float64 {
	if !b.full || b.head == 0 {
		return append([]float64(nil), b.values...)
	}
	out := make([]float64, 0, len(b.values))
	out = append(out, b.values[b.head:]...)
	out = append(out, b.values[:b.head]...)
	return out
}

// Percentile returns the p-th percentile (p in [0,100]) using the
// nearest-rank method, or 0 when the buffer is empty.
func (b *SampleBuffer) Percentile(p float64) float64 {
	if len(b.values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), b.values...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(float64(len(sorted))*p/100.0+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Mean returns the arithmetic mean, or 0 when empty.
func (b *SampleBuffer) Mean() float64 {
	if len(b.values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range b.values {
		sum += v
	}
	return sum / float64(len(b.values))
}

// MarshalJSON serializes the samples in insertion order.
func (b *SampleBuffer) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Values())
}

// UnmarshalJSON restores samples from a JSON array, re-applying the
// bound.
func (b *SampleBuffer) UnmarshalJSON(data []byte) error {
	var vals []float64
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}
	if b.max == 0 {
		b.max = DefaultMaxSamples
	}
	b.values = b.values[:0]
	b.head = 0
	b.full = false
	for _, v := range vals {
		b.Add(v)
	}
	return nil
}
