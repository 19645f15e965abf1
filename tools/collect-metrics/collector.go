package main

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	requestEventDomain = "boardsync.api"
	requestEventSuffix = ".request.metrics"
)

// logRecord is one JSON log line written by the REST request metrics.
type logRecord struct {
	EventName    string         `json:"event.name"`
	EventDomain  string         `json:"event.domain"`
	SeverityText string         `json:"severity_text"`
	Attributes   map[string]any `json:"attributes"`
}

type numericStats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

func (n *numericStats) add(v float64) {
	if n.Count == 0 || v < n.Min {
		n.Min = v
	}
	n.Max = math.Max(n.Max, v)
	n.Count++
	n.Sum += v
}

type statsSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

func (n *numericStats) summary() statsSummary {
	if n == nil || n.Count == 0 {
		return statsSummary{}
	}
	return statsSummary{Count: n.Count, Min: n.Min, Max: n.Max, Avg: n.Sum / float64(n.Count)}
}

// opStats aggregates the requests of one operation (move, reorder, ...).
type opStats struct {
	count       int
	severity    map[string]int
	status      map[int]int
	durations   map[string]*numericStats
	items       numericStats
	duplicates  int
	errorStages map[string]int
}

type opSummary struct {
	Total         int                     `json:"total"`
	Severity      map[string]int          `json:"severity_counts"`
	Status        map[string]int          `json:"status_counts"`
	DurationMs    map[string]statsSummary `json:"duration_ms"`
	ItemsReturned *statsSummary           `json:"items_returned,omitempty"`
	Duplicates    int                     `json:"duplicates"`
	ErrorStages   map[string]int          `json:"error_stages,omitempty"`
}

type summaryOutput struct {
	Domain       string               `json:"event_domain"`
	Operations   map[string]opSummary `json:"operations"`
	SkippedLines int                  `json:"skipped_lines"`
}

type collector struct {
	domain  string
	ops     map[string]*opStats
	skipped int
}

func newCollector(domain string) *collector {
	return &collector{domain: domain, ops: make(map[string]*opStats)}
}

func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	// Container runtimes prefix lines with "<source> | ".
	if _, rest, ok := strings.Cut(trimmed, "| "); ok && !strings.HasPrefix(trimmed, "{") {
		trimmed = strings.TrimSpace(rest)
	}
	var rec logRecord
	dec := sonic.ConfigStd.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		c.skipped++
		return
	}
	if rec.EventDomain != c.domain || !strings.HasSuffix(rec.EventName, requestEventSuffix) {
		return
	}
	c.add(strings.TrimSuffix(rec.EventName, requestEventSuffix), rec)
}

func (c *collector) add(op string, rec logRecord) {
	s, ok := c.ops[op]
	if !ok {
		s = &opStats{
			severity:    make(map[string]int),
			status:      make(map[int]int),
			durations:   make(map[string]*numericStats),
			errorStages: make(map[string]int),
		}
		c.ops[op] = s
	}
	s.count++
	severity := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if severity == "" {
		severity = "UNSPECIFIED"
	}
	s.severity[severity]++

	prefix := "boardsync." + op + "."
	for key, raw := range rec.Attributes {
		switch {
		case key == "http.status_code":
			if v, ok := asFloat(raw); ok {
				s.status[int(v)]++
			}
		case !strings.HasPrefix(key, prefix):
		case strings.HasSuffix(key, "_ms"):
			if v, ok := asFloat(raw); ok {
				name := strings.TrimSuffix(strings.TrimPrefix(key, prefix), "_ms")
				d, ok := s.durations[name]
				if !ok {
					d = &numericStats{}
					s.durations[name] = d
				}
				d.add(v)
			}
		case key == prefix+"items_returned":
			if v, ok := asFloat(raw); ok {
				s.items.add(v)
			}
		case key == prefix+"duplicate":
			if b, ok := raw.(bool); ok && b {
				s.duplicates++
			}
		case key == prefix+"error_stage":
			if stage, ok := raw.(string); ok && stage != "" {
				s.errorStages[stage]++
			}
		}
	}
}

func (c *collector) summary() summaryOutput {
	out := summaryOutput{Domain: c.domain, Operations: make(map[string]opSummary, len(c.ops)), SkippedLines: c.skipped}
	for op, s := range c.ops {
		sum := opSummary{
			Total:      s.count,
			Severity:   s.severity,
			Status:     make(map[string]int, len(s.status)),
			DurationMs: make(map[string]statsSummary, len(s.durations)),
			Duplicates: s.duplicates,
		}
		for code, n := range s.status {
			sum.Status[strconv.Itoa(code)] = n
		}
		for name, d := range s.durations {
			sum.DurationMs[name] = d.summary()
		}
		if s.items.Count > 0 {
			items := s.items.summary()
			sum.ItemsReturned = &items
		}
		if len(s.errorStages) > 0 {
			sum.ErrorStages = s.errorStages
		}
		out.Operations[op] = sum
	}
	return out
}

// ShortString renders one line per operation, sorted by name.
func (s summaryOutput) ShortString() string {
	ops := make([]string, 0, len(s.Operations))
	for op := range s.Operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	lines := make([]string, 0, len(ops))
	for _, op := range ops {
		o := s.Operations[op]
		total := o.DurationMs["total"]
		lines = append(lines, strings.Join([]string{
			"op=" + op,
			"total=" + strconv.Itoa(o.Total),
			"warn=" + strconv.Itoa(o.Severity["WARN"]),
			"error=" + strconv.Itoa(o.Severity["ERROR"]),
			"avg_total_ms=" + strconv.FormatFloat(total.Avg, 'f', 2, 64),
			"max_total_ms=" + strconv.FormatFloat(total.Max, 'f', 2, 64),
		}, " "))
	}
	return strings.Join(lines, "\n")
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
