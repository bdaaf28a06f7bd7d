package pebbledb

import (
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

var ErrBatchWriterClosed = errors.New("batch writer closed")

type BatchWriterConfig struct {
	MaxBatchOps       int           // flush after this many ops
	FlushInterval     time.Duration // flush at least this often
	ChannelBufferSize int           // queued records, not ops
}

func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		MaxBatchOps:       500,
		FlushInterval:     time.Second,
		ChannelBufferSize: 4096,
	}
}

type writeOp struct {
	key   []byte
	value []byte
	merge bool
}

func applyOps(batch *pebble.Batch, ops []writeOp) {
	for _, op := range ops {
		if op.merge {
			batch.Merge(op.key, op.value, nil)
		} else {
			batch.Set(op.key, op.value, nil)
		}
	}
}

// BatchWriter groups history writes into larger pebble batches. The ops of
// one Submit call always land in the same batch, so a record and its index
// entries become visible together.
type BatchWriter struct {
	db      *pebble.DB
	config  BatchWriterConfig
	groupCh chan []writeOp
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool
	failed  atomic.Int64
}

func NewBatchWriter(db *pebble.DB, config BatchWriterConfig) *BatchWriter {
	defaults := DefaultBatchWriterConfig()
	if config.MaxBatchOps <= 0 {
		config.MaxBatchOps = defaults.MaxBatchOps
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.ChannelBufferSize <= 0 {
		config.ChannelBufferSize = defaults.ChannelBufferSize
	}

	bw := &BatchWriter{
		db:      db,
		config:  config,
		groupCh: make(chan []writeOp, config.ChannelBufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go bw.flusher()

	return bw
}

func (bw *BatchWriter) Submit(ops []writeOp) error {
	if bw.stopped.Load() {
		return ErrBatchWriterClosed
	}
	select {
	case bw.groupCh <- ops:
		return nil
	case <-bw.stopCh:
		return ErrBatchWriterClosed
	}
}

// FailedOps reports how many queued ops were lost to failed commits.
func (bw *BatchWriter) FailedOps() int64 {
	return bw.failed.Load()
}

func (bw *BatchWriter) Close() error {
	if bw.stopped.Swap(true) {
		return nil
	}
	close(bw.stopCh)
	<-bw.doneCh
	return nil
}

func (bw *BatchWriter) flusher() {
	defer close(bw.doneCh)

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	batch := bw.db.NewBatch()
	opCount := 0

	flush := func() {
		if opCount == 0 {
			return
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			bw.failed.Add(int64(opCount))
			log.Printf("[pebble] batch commit of %d ops failed: %v", opCount, err)
		}
		batch.Close()
		batch = bw.db.NewBatch()
		opCount = 0
	}

	add := func(ops []writeOp) {
		applyOps(batch, ops)
		opCount += len(ops)
		if opCount >= bw.config.MaxBatchOps {
			flush()
		}
	}

	for {
		select {
		case ops := <-bw.groupCh:
			add(ops)

		case <-ticker.C:
			flush()

		case <-bw.stopCh:
			for {
				select {
				case ops := <-bw.groupCh:
					add(ops)
				default:
					flush()
					batch.Close()
					return
				}
			}
		}
	}
}
