// Package dashboard renders the static JSON files read by the public index page.
package dashboard

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/domain"
	atomicio "github.com/sawpanic/ares/internal/io"
)

const (
	TimeseriesFile   = "index_timeseries.json"
	ConstituentsFile = "constituents.json"

	weighting = "free-float market cap"
)

// Point is one chart sample.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Timeseries is the index chart payload.
type Timeseries struct {
	Symbol      string    `json:"symbol"`
	Interval    string    `json:"interval"`
	LastUpdated time.Time `json:"last_updated"`
	Data        []Point   `json:"data"`
}

// Constituent is one row of the constituents table.
type Constituent struct {
	Symbol    string  `json:"symbol"`
	Weight    float64 `json:"weight"`
	MarketCap float64 `json:"market_cap"`
}

// Constituents is the constituents table payload.
type Constituents struct {
	AsOf         time.Time     `json:"as_of"`
	Method       string        `json:"method"`
	Constituents []Constituent `json:"constituents"`
}

// Exporter writes both payloads into a directory.
type Exporter struct {
	dir       string
	symbol    string
	interval  string
	maxPoints int
}

// NewExporter builds an exporter from the index settings. Relative
// directories are resolved against dataDir.
func NewExporter(cfg config.IndexConfig, dataDir string) *Exporter {
	dir := cfg.DashboardDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(dataDir, dir)
	}
	return &Exporter{dir: dir, symbol: cfg.Symbol, interval: cfg.Interval, maxPoints: cfg.DashboardMaxPoints}
}

// MaxPoints is the number of history points the chart keeps.
func (e *Exporter) MaxPoints() int { return e.maxPoints }

// BuildTimeseries keeps the newest maxPoints points with values rounded to 6 dp.
func BuildTimeseries(symbol, interval string, history []domain.IndexHistoryPoint, maxPoints int) Timeseries {
	if maxPoints > 0 && len(history) > maxPoints {
		history = history[len(history)-maxPoints:]
	}
	ts := Timeseries{Symbol: symbol, Interval: interval, Data: make([]Point, 0, len(history))}
	for _, p := range history {
		ts.Data = append(ts.Data, Point{Time: p.Timestamp.UTC(), Value: round(p.IndexValue, 6)})
	}
	if n := len(history); n > 0 {
		ts.LastUpdated = history[n-1].Timestamp.UTC()
	}
	return ts
}

// BuildConstituents normalizes weights to sum to one and rounds them to 4 dp.
func BuildConstituents(valued []domain.ValuedConstituent, asOf time.Time) (Constituents, error) {
	var sum float64
	for _, v := range valued {
		sum += v.Weight
	}
	if sum <= 0 {
		return Constituents{}, domain.IntegrityError("dashboard", domain.ErrWeightSum, "weight sum is zero or negative")
	}

	out := Constituents{AsOf: asOf.UTC(), Method: weighting, Constituents: make([]Constituent, 0, len(valued))}
	var total float64
	for _, v := range valued {
		w := round(v.Weight/sum, 4)
		total += w
		out.Constituents = append(out.Constituents, Constituent{Symbol: v.Symbol, Weight: w, MarketCap: v.MarketCap})
	}
	if math.Abs(total-1) > 1e-6 {
		return Constituents{}, domain.IntegrityError("dashboard", domain.ErrWeightSum, "constituent weights sum to %v", total)
	}
	return out, nil
}

// Export writes the timeseries and constituents files.
func (e *Exporter) Export(history []domain.IndexHistoryPoint, valued []domain.ValuedConstituent, asOf time.Time) error {
	cons, err := BuildConstituents(valued, asOf)
	if err != nil {
		return err
	}
	ts := BuildTimeseries(e.symbol, e.interval, history, e.maxPoints)

	if err := atomicio.WriteJSONAtomic(filepath.Join(e.dir, TimeseriesFile), ts); err != nil {
		return fmt.Errorf("write %s: %w", TimeseriesFile, err)
	}
	if err := atomicio.WriteJSONAtomic(filepath.Join(e.dir, ConstituentsFile), cons); err != nil {
		return fmt.Errorf("write %s: %w", ConstituentsFile, err)
	}

	log.Info().
		Str("dir", e.dir).
		Int("points", len(ts.Data)).
		Int("constituents", len(cons.Constituents)).
		Msg("Dashboard data exported")
	return nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
