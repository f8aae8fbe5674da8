package analytics

import (
	"sort"
	"sync"
	"time"
)

// DateLayout is the key format of the daily archive.
const DateLayout = "2006-01-02"

// DefaultArchiveDays bounds the daily archive when no explicit limit is configured.
const DefaultArchiveDays = 90

// DayStats is the archived copy of the cumulative counters for one date
type DayStats struct {
	Conversions int64 `json:"conversions"`
	Successful  int64 `json:"successful"`
	Failed      int64 `json:"failed"`
	Files       int64 `json:"files"`
}

// Report is what Snapshot returns and what /analytics serializes.
//
// TotalConversions and FilesProcessed only count requests that delivered an
// accepted file, while FailedConversions also counts rejected requests, so
// TotalConversions is not SuccessfulConversions+FailedConversions.
type Report struct {
	TotalConversions      int64               `json:"totalConversions"`
	SuccessfulConversions int64               `json:"successfulConversions"`
	FailedConversions     int64               `json:"failedConversions"`
	FilesProcessed        int64               `json:"filesProcessed"`
	BytesProduced         int64               `json:"bytesProduced"`
	DailyArchive          map[string]DayStats `json:"dailyArchive"`
	LastResetDate         string              `json:"lastResetDate"`
	CurrentDate           time.Time           `json:"currentDate"`
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithArchiveDays caps the number of archived dates. Zero keeps every date.
func WithArchiveDays(days int) Option {
	return func(a *Aggregator) {
		a.archiveDays = days
	}
}

// Aggregator holds the process-wide usage counters. The state lives only in
// memory and is lost on restart.
type Aggregator struct {
	mu          sync.Mutex
	now         func() time.Time
	archiveDays int

	total      int64
	successful int64
	failed     int64
	files      int64
	bytesOut   int64

	archive       map[string]DayStats
	lastResetDate string
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:         time.Now,
		archiveDays: DefaultArchiveDays,
		archive:     make(map[string]DayStats),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.lastResetDate = a.now().Format(DateLayout)

	return a
}

// RecordAttempt counts a request that delivered an accepted file.
func (a *Aggregator) RecordAttempt() {
	a.mu.Lock()
	a.total++
	a.files++
	a.mu.Unlock()
}

func (a *Aggregator) RecordSuccess(bytesOut int64) {
	a.mu.Lock()
	a.successful++
	if bytesOut > 0 {
		a.bytesOut += bytesOut
	}
	a.mu.Unlock()
}

func (a *Aggregator) RecordFailure() {
	a.mu.Lock()
	a.failed++
	a.mu.Unlock()
}

// Snapshot runs the daily rollover and returns a copy of the counters.
//
// The rollover archives the running totals (not a per-day delta) under the
// previous date and leaves the live counters untouched.
func (a *Aggregator) Snapshot() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	today := now.Format(DateLayout)

	if today != a.lastResetDate {
		a.archive[a.lastResetDate] = DayStats{
			Conversions: a.total,
			Successful:  a.successful,
			Failed:      a.failed,
			Files:       a.files,
		}
		a.lastResetDate = today
		a.trimArchive()
	}

	archive := make(map[string]DayStats, len(a.archive))
	for k, v := range a.archive {
		archive[k] = v
	}

	return Report{
		TotalConversions:      a.total,
		SuccessfulConversions: a.successful,
		FailedConversions:     a.failed,
		FilesProcessed:        a.files,
		BytesProduced:         a.bytesOut,
		DailyArchive:          archive,
		LastResetDate:         a.lastResetDate,
		CurrentDate:           now,
	}
}

// trimArchive drops the oldest dates beyond archiveDays. Caller holds mu.
func (a *Aggregator) trimArchive() {
	if a.archiveDays <= 0 || len(a.archive) <= a.archiveDays {
		return
	}

	dates := make([]string, 0, len(a.archive))
	for d := range a.archive {
		dates = append(dates, d)
	}

	// DateLayout sorts lexically in chronological order
	sort.Strings(dates)

	for _, d := range dates[:len(dates)-a.archiveDays] {
		delete(a.archive, d)
	}
}
