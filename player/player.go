package player

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/livemic/audio"
	"github.com/opd-ai/livemic/ogg"
)

// DefaultBatchSize is the number of accumulated wire units that triggers a
// decode when traffic is dense. Sparse traffic decodes on queue drain
// instead, so this bounds batching latency only under load.
const DefaultBatchSize = 4

// DefaultQueueCapacity bounds the raw inbound queue ahead of decode.
const DefaultQueueCapacity = 20

// BatchDecoder decodes one self-contained batch of container bytes.
// *audio.Decoder satisfies this interface.
type BatchDecoder interface {
	DecodeBatch(data []byte) ([]int16, uint32, error)
}

// Config configures a Player.
type Config struct {
	// Decoder turns batches into PCM. Required.
	Decoder BatchDecoder
	// Sink renders scheduled PCM. Required.
	Sink AudioSink
	// TimeProvider supplies time. Defaults to the system clock.
	TimeProvider TimeProvider
	// BatchSize triggers decode after this many accumulated units.
	// Defaults to DefaultBatchSize.
	BatchSize int
	// QueueCapacity bounds the raw inbound queue.
	// Defaults to DefaultQueueCapacity.
	QueueCapacity int
	// LeadBuffer is the scheduler's safety margin.
	LeadBuffer time.Duration
}

// inboundUnit is one wire message awaiting decode.
type inboundUnit struct {
	data       []byte
	sentAt     time.Time
	receivedAt time.Time
}

// Player turns a bursty, reorderable stream of container pages into
// gap-free scheduled audio.
type Player struct {
	decoder      BatchDecoder
	scheduler    *Scheduler
	timeProvider TimeProvider
	batchSize    int

	queue chan inboundUnit

	// header is the session's cached codec setup pages. Captured once,
	// never mutated, prefixed to every decode batch.
	header      []byte
	headerSet   bool
	accumulated [][]byte
	accumBytes  int

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	stats     Stats

	done chan struct{}
	wg   sync.WaitGroup
}

// Stats is a snapshot of playback metrics for UI feedback.
type Stats struct {
	// Elapsed is the time since playback started.
	Elapsed time.Duration
	// BytesReceived counts raw payload bytes accepted.
	BytesReceived uint64
	// UnitsReceived counts wire messages accepted.
	UnitsReceived uint64
	// UnitsDropped counts wire messages discarded by queue overflow.
	UnitsDropped uint64
	// DecodeErrors counts discarded batches.
	DecodeErrors uint64
	// HeaderResends counts discarded header retransmissions.
	HeaderResends uint64
	// LatencyEstimate is the smoothed one-way latency (receipt time minus
	// the producer-stamped send time).
	LatencyEstimate time.Duration
	// AudioLevel is the coarse level of the most recent decoded batch.
	AudioLevel float64
}

// NewPlayer creates a player from the given configuration.
func NewPlayer(cfg Config) (*Player, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewPlayer",
	}).Debug("Creating player")

	if cfg.Decoder == nil {
		return nil, fmt.Errorf("batch decoder cannot be nil")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("audio sink cannot be nil")
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = RealTimeProvider{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}

	scheduler, err := NewScheduler(cfg.Sink, cfg.TimeProvider, cfg.LeadBuffer)
	if err != nil {
		return nil, err
	}

	return &Player{
		decoder:      cfg.Decoder,
		scheduler:    scheduler,
		timeProvider: cfg.TimeProvider,
		batchSize:    cfg.BatchSize,
		queue:        make(chan inboundUnit, cfg.QueueCapacity),
		done:         make(chan struct{}),
	}, nil
}

// Start launches the decode loop.
func (p *Player) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("player is already running")
	}
	p.running = true
	p.startedAt = p.timeProvider.Now()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()

	logrus.WithFields(logrus.Fields{
		"function":   "Player.Start",
		"batch_size": p.batchSize,
		"queue_cap":  cap(p.queue),
	}).Info("Player started")

	return nil
}

// Stop cancels pending decode work and waits for the loop to exit.
// Previously scheduled audio is not recalled; stopping is listener-local
// and affects no other subscriber of the stream.
func (p *Player) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Player.Stop",
	}).Info("Player stopped")

	return nil
}

// Enqueue submits one wire message for decode. sentAt is the producer
// timestamp used for the latency estimate. When the inbound queue is full
// the oldest queued unit is dropped.
func (p *Player) Enqueue(data []byte, sentAt time.Time) {
	now := p.timeProvider.Now()

	p.mu.Lock()
	p.stats.UnitsReceived++
	p.stats.BytesReceived += uint64(len(data))
	if !sentAt.IsZero() {
		latency := now.Sub(sentAt)
		if p.stats.LatencyEstimate == 0 {
			p.stats.LatencyEstimate = latency
		} else {
			// Smooth with an EWMA so one delayed message does not swing
			// the indicator.
			p.stats.LatencyEstimate = (p.stats.LatencyEstimate*4 + latency) / 5
		}
	}
	p.mu.Unlock()

	unit := inboundUnit{data: data, sentAt: sentAt, receivedAt: now}

	select {
	case p.queue <- unit:
		return
	default:
	}

	// Queue full: drop the oldest unit, then retry once.
	select {
	case <-p.queue:
		p.mu.Lock()
		p.stats.UnitsDropped++
		p.mu.Unlock()
	default:
	}
	select {
	case p.queue <- unit:
	default:
		p.mu.Lock()
		p.stats.UnitsDropped++
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Player.Enqueue",
			"size":     len(data),
		}).Warn("Inbound queue saturated, unit dropped")
	}
}

// Header returns the cached codec setup bytes, or nil before capture.
func (p *Player) Header() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.headerSet {
		return nil
	}
	return p.header
}

// Stats returns a snapshot of playback metrics.
func (p *Player) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	if !p.startedAt.IsZero() {
		stats.Elapsed = p.timeProvider.Now().Sub(p.startedAt)
	}
	return stats
}

// run is the decode loop. It drains the inbound queue, accumulating units
// and flushing a batch when the size threshold is reached or the queue
// runs dry.
func (p *Player) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case unit := <-p.queue:
			p.ingest(unit.data)
			if len(p.accumulated) >= p.batchSize {
				p.flush()
			} else if len(p.accumulated) > 0 && len(p.queue) == 0 {
				// Queue drained: decode now rather than waiting for a
				// full batch, keeping latency bounded when traffic is
				// sparse.
				p.flush()
			}
		}
	}
}

// ingest classifies one wire unit: header capture, header resend discard,
// or payload accumulation. A unit that starts with the codec setup pages
// is split at the first audio page, so payload packed into the same unit
// is never lost to header handling.
func (p *Player) ingest(data []byte) {
	pages := ogg.Parse(data)
	if len(pages) > 0 && pages[0].IsOpusHead() {
		headerLen := 0
		headerPages := 0
		for i := range pages {
			if !pages[i].IsCodecHeader() {
				break
			}
			headerLen += pages[i].Size()
			headerPages++
		}
		header := data[:headerLen]

		p.mu.Lock()
		captured := p.headerSet
		if !captured {
			p.header = append([]byte(nil), header...)
			p.headerSet = true
		} else {
			p.stats.HeaderResends++
		}
		p.mu.Unlock()

		if captured {
			logrus.WithFields(logrus.Fields{
				"function": "Player.ingest",
				"size":     headerLen,
			}).Debug("Header resend discarded")
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "Player.ingest",
				"size":     headerLen,
				"pages":    headerPages,
			}).Info("Codec header captured")
		}

		if headerLen >= len(data) {
			return
		}
		data = data[headerLen:]
	}

	p.mu.Lock()
	headerSet := p.headerSet
	p.mu.Unlock()
	if !headerSet {
		// Payload before the codec header cannot be decoded; drop it and
		// wait for the setup pages.
		p.mu.Lock()
		p.stats.UnitsDropped++
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Player.ingest",
			"size":     len(data),
		}).Warn("Payload unit before header capture, dropped")
		return
	}

	p.accumulated = append(p.accumulated, data)
	p.accumBytes += len(data)
}

// flush decodes the accumulated batch, prefixed with the cached header,
// and schedules the PCM. A decode failure discards only this batch;
// accumulation resumes with the next arriving pages.
func (p *Player) flush() {
	p.mu.Lock()
	header := p.header
	p.mu.Unlock()

	batch := make([]byte, 0, len(header)+p.accumBytes)
	batch = append(batch, header...)
	for _, data := range p.accumulated {
		batch = append(batch, data...)
	}
	units := len(p.accumulated)
	p.accumulated = nil
	p.accumBytes = 0

	pcm, sampleRate, err := p.decoder.DecodeBatch(batch)
	if err != nil {
		p.mu.Lock()
		p.stats.DecodeErrors++
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Player.flush",
			"units":    units,
			"size":     len(batch),
			"error":    err.Error(),
		}).Warn("Batch decode failed, batch discarded")
		return
	}

	p.mu.Lock()
	p.stats.AudioLevel = audio.Level(pcm)
	p.mu.Unlock()

	if _, err := p.scheduler.Schedule(pcm, sampleRate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Player.flush",
			"error":    err.Error(),
		}).Warn("Scheduling failed")
	}
}
