package swcache

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu       sync.Mutex
	bySource map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{bySource: map[string]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one served response.
func (s *statsCollector) Observe(source string, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	s.bySource[source]++
	s.mu.Unlock()
}

type sourceCount struct {
	Source string `json:"source"`
	Count  uint64 `json:"count"`
}

type statsSnapshot struct {
	TotalResponses uint64        `json:"totalResponses"`
	TotalRespBytes uint64        `json:"totalRespBytes"`
	MinRespBytes   uint64        `json:"minRespBytes"`
	MaxRespBytes   uint64        `json:"maxRespBytes"`
	AvgRespBytes   uint64        `json:"avgRespBytes"`
	Sources        []sourceCount `json:"sources,omitempty"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	maxv := s.maxRespBytes.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	if minv == math.MaxUint64 {
		minv = 0
	}

	s.mu.Lock()
	sources := make([]sourceCount, 0, len(s.bySource))
	for src, n := range s.bySource {
		sources = append(sources, sourceCount{src, n})
	}
	s.mu.Unlock()
	sort.Slice(sources, func(i, j int) bool { return sources[i].Source < sources[j].Source })

	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   maxv,
		AvgRespBytes:   total / count,
		Sources:        sources,
	}
}
