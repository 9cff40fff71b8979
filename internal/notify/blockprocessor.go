package notify

import (
	"log/slog"

	"github.com/nodecore/socialnode/internal/queue"
	"github.com/nodecore/socialnode/internal/workerpool"
)

// blockItem is one unit of fan-out work: a block plus its index, opaque
// to this package beyond what EventExtractor can derive from them.
type blockItem[B any] struct {
	block      B
	blockIndex int
}

// BlockProcessor consumes (block, blockIndex) pairs and fans out derived
// events to every subscriber whose declared address matches. It is built
// on the same generic worker pool used by request pods; the resource
// type is unused here (no per-worker external resource is needed), so it
// is instantiated with workerpool.ResourceFactory[struct{}].
type BlockProcessor[B any] struct {
	registry  *Registry
	extractor EventExtractor[B]
	log       *slog.Logger

	queue *queue.Queue[blockItem[B]]
	pool  *workerpool.Pool[blockItem[B], struct{}]
}

// NewBlockProcessor creates a block fan-out processor over registry,
// deriving events with extractor.
func NewBlockProcessor[B any](registry *Registry, extractor EventExtractor[B], log *slog.Logger) *BlockProcessor[B] {
	if log == nil {
		log = slog.Default()
	}
	q := queue.New[blockItem[B]]()
	bp := &BlockProcessor[B]{registry: registry, extractor: extractor, log: log, queue: q}
	noResource := func() (struct{}, func(), error) { return struct{}{}, nil, nil }
	bp.pool = workerpool.New[blockItem[B], struct{}]("notify-blocks", q, bp, noResource, log)
	return bp
}

// Start spawns threadCount fan-out worker goroutines.
func (bp *BlockProcessor[B]) Start(threadCount int) {
	bp.pool.Start(threadCount)
}

// Stop joins every fan-out worker goroutine.
func (bp *BlockProcessor[B]) Stop() {
	bp.pool.Stop()
}

// Submit enqueues a new block for fan-out processing.
func (bp *BlockProcessor[B]) Submit(block B, blockIndex int) bool {
	return bp.queue.Add(blockItem[B]{block: block, blockIndex: blockIndex})
}

// Process implements workerpool.Processor.
func (bp *BlockProcessor[B]) Process(item blockItem[B], _ struct{}) {
	events := bp.extractor(item.block, item.blockIndex)
	if len(events) == 0 {
		return
	}

	byAddress := make(map[string][]Event, len(events))
	for _, ev := range events {
		byAddress[ev.Address] = append(byAddress[ev.Address], ev)
	}

	var dead []string
	bp.registry.Iterate(func(id string, sub *Subscriber) {
		matched, ok := byAddress[sub.Address]
		if !ok {
			return
		}
		conn := sub.Connection()
		if conn == nil {
			dead = append(dead, id)
			return
		}
		for _, ev := range matched {
			data, err := ev.marshal()
			if err != nil {
				bp.log.Error("marshal event failed", "address", sub.Address, "error", err)
				continue
			}
			// Delivery is best-effort, fire-and-forget: no retry, and a
			// write error here means the connection is as good as dead,
			// so it is treated the same as an expired weak reference.
			if err := conn.Send(data); err != nil {
				dead = append(dead, id)
			}
		}
	})

	for _, id := range dead {
		bp.registry.ForceDelete(id)
	}
}
