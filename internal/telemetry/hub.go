// Package telemetry keeps the recent stream status history of a receiver,
// fans it out to live subscribers and serves it, together with spectrum and
// health diagnostics, over HTTP.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/rjboer/GoLimeSDR/internal/logging"
)

// Config is the runtime configuration exposed by the hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
	// SpectrumSize is the FFT size of the spectrum probe.
	SpectrumSize int `json:"spectrumSize"`
	// SpectrumEvery runs the probe on every Nth produced block.
	SpectrumEvery int `json:"spectrumEvery"`
}

const (
	minHistoryLimit  = 1
	maxHistoryLimit  = 10_000
	minSpectrumSize  = 64
	maxSpectrumSize  = 1 << 16
	maxSpectrumEvery = 100_000

	// staleAfter marks the stream stalled when no status report arrived
	// for this long.
	staleAfter = 5 * time.Second
)

func defaultConfig() Config {
	return Config{
		HistoryLimit:  500,
		SpectrumSize:  1024,
		SpectrumEvery: 50,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 || base.SpectrumSize == 0 || base.SpectrumEvery == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.SpectrumSize == 0 {
		cfg.SpectrumSize = base.SpectrumSize
	}
	if cfg.SpectrumEvery == 0 {
		cfg.SpectrumEvery = base.SpectrumEvery
	}

	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.SpectrumSize < minSpectrumSize || cfg.SpectrumSize > maxSpectrumSize {
		return Config{}, fmt.Errorf("spectrum size must be between %d and %d", minSpectrumSize, maxSpectrumSize)
	}
	if cfg.SpectrumSize&(cfg.SpectrumSize-1) != 0 {
		return Config{}, errors.New("spectrum size must be a power of two")
	}
	if cfg.SpectrumEvery < 1 || cfg.SpectrumEvery > maxSpectrumEvery {
		return Config{}, fmt.Errorf("spectrum interval must be between 1 and %d blocks", maxSpectrumEvery)
	}
	return cfg, nil
}

// StatusSample is one periodic stream status report.
type StatusSample struct {
	Timestamp      time.Time `json:"timestamp"`
	Serial         string    `json:"serial"`
	LinkRateMBps   float64   `json:"linkRateMBps"`
	DroppedPackets uint64    `json:"droppedPackets"`
	FIFOPercent    float64   `json:"fifoPercent"`
	Samples        uint64    `json:"samples"`
}

// SpectrumSnapshot is the latest spectrum probe result.
type SpectrumSnapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	SampleRate     float64   `json:"sampleRate"`
	Bins           []float64 `json:"bins"`
	PeakFreq       float64   `json:"peakFreq"`
	PeakDBFS       float64   `json:"peakDbfs"`
	NoiseFloorDBFS float64   `json:"noiseFloorDbfs"`
}

// ProcessStats describes the running process.
type ProcessStats struct {
	Uptime       float64 `json:"uptimeSeconds"`
	NumGoroutine int     `json:"numGoroutine"`
	HeapAlloc    uint64  `json:"heapAlloc"`
}

// Diagnostics is served on /api/diagnostics.
type Diagnostics struct {
	Process    ProcessStats     `json:"process"`
	Spectrum   SpectrumSnapshot `json:"spectrum"`
	LastStatus *StatusSample    `json:"lastStatus,omitempty"`
	TotalDrops uint64           `json:"totalDrops"`
}

// HealthStatus is served on /api/diagnostics/health.
type HealthStatus struct {
	Status  string       `json:"status"`
	Reason  string       `json:"reason,omitempty"`
	Process ProcessStats `json:"process"`
}

// Tuner is the runtime control surface of a receiver.
type Tuner interface {
	SetRFFreq(freq float64) error
	SetGain(gainDB, ch int) error
	SetNCO(freq float64, ch int) error
}

// TuneRequest is the body of POST /api/tune. Nil fields are left alone.
type TuneRequest struct {
	Channel int      `json:"channel"`
	RFFreq  *float64 `json:"rfFreq,omitempty"`
	GainDB  *int     `json:"gainDb,omitempty"`
	NCOFreq *float64 `json:"ncoFreq,omitempty"`
}

// Hub collects history and fans out status updates to subscribers.
type Hub struct {
	logger  logging.Logger
	started time.Time
	now     func() time.Time

	mu          sync.RWMutex
	history     []StatusSample
	subscribers map[chan StatusSample]struct{}
	config      Config
	spectrum    SpectrumSnapshot
	totalDrops  uint64
	tuner       Tuner
}

// NewHub builds a telemetry hub keeping up to historyLimit reports.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	if valid, err := validateConfig(cfg, defaultConfig()); err == nil {
		cfg = valid
	} else {
		cfg = defaultConfig()
	}
	return &Hub{
		logger:      logger.With(logging.F("subsystem", "telemetry")),
		started:     time.Now(),
		now:         time.Now,
		subscribers: make(map[chan StatusSample]struct{}),
		config:      cfg,
	}
}

// Report implements Reporter and records a status report.
func (h *Hub) Report(sample StatusSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = h.now()
	}

	h.mu.Lock()
	h.history = append(h.history, sample)
	if len(h.history) > h.config.HistoryLimit {
		h.history = h.history[len(h.history)-h.config.HistoryLimit:]
	}
	h.totalDrops += sample.DroppedPackets
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of the stored reports.
func (h *Hub) History() []StatusSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]StatusSample, len(h.history))
	copy(out, h.history)
	return out
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateSpectrum replaces the spectrum snapshot.
func (h *Hub) UpdateSpectrum(snap SpectrumSnapshot) {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = h.now()
	}
	snap.Bins = append([]float64(nil), snap.Bins...)
	h.mu.Lock()
	h.spectrum = snap
	h.mu.Unlock()
}

// SpectrumSnapshot returns the latest spectrum.
func (h *Hub) SpectrumSnapshot() SpectrumSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snap := h.spectrum
	snap.Bins = append([]float64(nil), snap.Bins...)
	return snap
}

// SetTuner attaches the receiver that /api/tune controls.
func (h *Hub) SetTuner(t Tuner) {
	h.mu.Lock()
	h.tuner = t
	h.mu.Unlock()
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan StatusSample, func()) {
	ch := make(chan StatusSample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Health classifies the stream from the latest report.
func (h *Hub) Health() HealthStatus {
	h.mu.RLock()
	var last *StatusSample
	if n := len(h.history); n > 0 {
		s := h.history[n-1]
		last = &s
	}
	h.mu.RUnlock()

	out := HealthStatus{Status: "ok", Process: h.processStats()}
	switch {
	case last == nil:
		out.Status, out.Reason = "degraded", "no stream status reported yet"
	case h.now().Sub(last.Timestamp) > staleAfter:
		out.Status, out.Reason = "stalled", fmt.Sprintf("last status report at %s", last.Timestamp.Format(time.RFC3339))
	case last.DroppedPackets > 0:
		out.Status, out.Reason = "degraded", fmt.Sprintf("%d packets dropped in the last interval", last.DroppedPackets)
	}
	return out
}

func (h *Hub) processStats() ProcessStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return ProcessStats{
		Uptime:       time.Since(h.started).Seconds(),
		NumGoroutine: runtime.NumGoroutine(),
		HeapAlloc:    mem.HeapAlloc,
	}
}

// MultiReporter fans out status reports to multiple destinations.
type MultiReporter []Reporter

// Report forwards sample to each configured reporter.
func (m MultiReporter) Report(sample StatusSample) {
	for _, r := range m {
		if r != nil {
			r.Report(sample)
		}
	}
}

// SetConfig validates cfg against the current configuration, filling zero
// fields from it, and applies the result.
func (h *Hub) SetConfig(cfg Config) (Config, error) {
	h.mu.Lock()
	cfg, err := validateConfig(cfg, h.config)
	if err == nil {
		h.applyConfig(cfg)
	}
	h.mu.Unlock()
	if err != nil {
		return Config{}, err
	}
	h.logger.Info("telemetry config updated", logging.F("history_limit", cfg.HistoryLimit), logging.F("spectrum_size", cfg.SpectrumSize))
	return cfg, nil
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	if len(h.history) > cfg.HistoryLimit {
		h.history = h.history[len(h.history)-cfg.HistoryLimit:]
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, h.History())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	cfg, err := h.SetConfig(incoming)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, cfg)
}

func (h *Hub) handleTune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mu.RLock()
	tuner := h.tuner
	h.mu.RUnlock()
	if tuner == nil {
		http.Error(w, "no receiver attached", http.StatusServiceUnavailable)
		return
	}

	var req TuneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid tune payload: %v", err), http.StatusBadRequest)
		return
	}
	var err error
	if req.RFFreq != nil {
		err = tuner.SetRFFreq(*req.RFFreq)
	}
	if err == nil && req.GainDB != nil {
		err = tuner.SetGain(*req.GainDB, req.Channel)
	}
	if err == nil && req.NCOFreq != nil {
		err = tuner.SetNCO(*req.NCOFreq, req.Channel)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, req)
}

func (h *Hub) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	h.mu.RLock()
	resp := Diagnostics{Spectrum: h.spectrum, TotalDrops: h.totalDrops}
	if n := len(h.history); n > 0 {
		s := h.history[n-1]
		resp.LastStatus = &s
	}
	h.mu.RUnlock()
	resp.Process = h.processStats()
	writeJSON(w, resp)
}

func (h *Hub) handleSpectrumSnapshot(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, h.SpectrumSnapshot())
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, h.Health())
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// replay history for immediate display
	for _, sample := range h.History() {
		writeEvent(w, sample)
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, sample)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, sample StatusSample) {
	payload, _ := json.Marshal(sample)
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
