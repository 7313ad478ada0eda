package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is the write-through persistence collaborator. Committed state is
// mirrored out asynchronously; the in-memory log remains the source of
// truth for in-flight ordering.
type Store interface {
	SaveOperation(ctx context.Context, op *Operation) error
	SaveSession(ctx context.Context, view SessionView) error
	SaveSnapshot(ctx context.Context, sessionID string, version uint64, state []byte) error
}

// SubmitResult is the authoritative outcome returned to the originator:
// the resolved form of their operation (possibly transformed or rejected)
// plus the conflicts that were detected.
type SubmitResult struct {
	Op        *Operation `json:"operation"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

type submission struct {
	op           *Operation
	connectionID string
	reply        chan submitReply
}

type submitReply struct {
	result SubmitResult
	err    error
}

// pipeline is the single serialized commit path for one session. One
// goroutine owns the session's head version, graph and log tail; conflict
// detection, transform, append and broadcast for the session never
// interleave. Different sessions run their pipelines fully in parallel.
type pipeline struct {
	session     *Session
	queue       chan submission
	broadcaster *Broadcaster
	dispatcher  *KafkaDispatcher
	store       Store

	windowSize    uint64
	autosaveEvery int
	saveTimeout   time.Duration

	commitsSinceSave int

	quit     chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

type pipelineOptions struct {
	queueDepth    int
	windowSize    uint64
	autosaveEvery int
}

func newPipeline(s *Session, b *Broadcaster, d *KafkaDispatcher, store Store, opt pipelineOptions, logger zerolog.Logger) *pipeline {
	if opt.queueDepth <= 0 {
		opt.queueDepth = 256
	}
	if opt.autosaveEvery <= 0 {
		opt.autosaveEvery = 20
	}
	p := &pipeline{
		session:       s,
		queue:         make(chan submission, opt.queueDepth),
		broadcaster:   b,
		dispatcher:    d,
		store:         store,
		windowSize:    opt.windowSize,
		autosaveEvery: opt.autosaveEvery,
		saveTimeout:   5 * time.Second,
		quit:          make(chan struct{}),
		logger:        logger.With().Str("component", "pipeline").Str("sessionId", s.ID).Logger(),
	}
	go p.run()
	return p
}

// enqueue hands a submission to the pipeline. A full queue rejects with
// ErrBusy rather than blocking the caller indefinitely.
func (p *pipeline) enqueue(sub submission) error {
	select {
	case <-p.quit:
		return ErrSessionClosed
	default:
	}
	select {
	case p.queue <- sub:
		return nil
	default:
		return ErrBusy
	}
}

func (p *pipeline) stop() {
	p.stopOnce.Do(func() { close(p.quit) })
}

func (p *pipeline) run() {
	for {
		select {
		case sub := <-p.queue:
			p.process(sub)
		case <-p.quit:
			// Fail whatever is still queued; the session has ended.
			for {
				select {
				case sub := <-p.queue:
					sub.reply <- submitReply{err: ErrSessionClosed}
				default:
					return
				}
			}
		}
	}
}

func (p *pipeline) process(sub submission) {
	op := sub.op
	s := p.session

	if !s.IsActive() {
		sub.reply <- submitReply{err: ErrSessionClosed}
		return
	}

	head := s.log.Head()
	if op.BaseVersion > head {
		sub.reply <- submitReply{err: ErrFutureBaseVersion}
		return
	}
	if p.windowSize > 0 && head-op.BaseVersion > p.windowSize {
		// The retained concurrent window cannot cover this submission;
		// the client must refetch and resubmit.
		sub.reply <- submitReply{err: ErrStaleBaseVersion}
		return
	}

	window := s.log.ConcurrentWindow(op.BaseVersion)
	res := Transform(s.graph, op, window)

	if err := p.commit(op); err != nil {
		sub.reply <- submitReply{err: err}
		return
	}
	for _, comp := range res.Compensating {
		if err := p.commit(comp); err != nil {
			p.logger.Error().Err(err).Str("operationId", comp.ID).Msg("compensating op dropped")
		}
	}

	// Informational conflict fan-out, then the committed stream. Both run
	// on this goroutine, so subscribers see commit order.
	for i := range res.Conflicts {
		p.broadcaster.Publish(s.ID, Envelope{
			Kind:      EnvelopeConflict,
			SessionID: s.ID,
			Conflict:  &res.Conflicts[i],
		}, "")
	}
	p.broadcaster.Publish(s.ID, Envelope{
		Kind:      EnvelopeOperation,
		SessionID: s.ID,
		Operation: op,
	}, sub.connectionID)
	for _, comp := range res.Compensating {
		p.broadcaster.Publish(s.ID, Envelope{
			Kind:      EnvelopeOperation,
			SessionID: s.ID,
			Operation: comp,
		}, "")
	}

	p.maybeAutosave()

	sub.reply <- submitReply{result: SubmitResult{Op: op, Conflicts: res.Conflicts}}
}

// commit appends one resolved operation, folds it into the graph and
// mirrors it out (store write-through, kafka event). Append failures are
// returned; mirror failures are logged, never blocking the pipeline.
func (p *pipeline) commit(op *Operation) error {
	if _, err := p.session.log.Append(op); err != nil {
		return err
	}
	p.session.graph.Apply(op)
	if op.Status != StatusRejected {
		p.commitsSinceSave++
	}

	if p.store != nil {
		saved := *op
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.saveTimeout)
			defer cancel()
			if err := p.store.SaveOperation(ctx, &saved); err != nil {
				p.logger.Error().Err(err).Str("operationId", saved.ID).Msg("operation write-through failed")
			}
		}()
	}
	if p.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if err := p.dispatcher.Enqueue(ctx, newOpCommittedEvent(op)); err != nil {
			p.logger.Warn().Err(err).Str("operationId", op.ID).Msg("event queue full, event dropped")
		}
		cancel()
	}
	return nil
}

func (p *pipeline) maybeAutosave() {
	if p.store == nil || !p.session.Settings().AutoSave {
		return
	}
	if p.commitsSinceSave < p.autosaveEvery {
		return
	}
	p.commitsSinceSave = 0

	version := p.session.log.Head()
	state, err := json.Marshal(p.session.graph)
	if err != nil {
		p.logger.Error().Err(err).Msg("snapshot marshal failed")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.saveTimeout)
		defer cancel()
		if err := p.store.SaveSnapshot(ctx, p.session.ID, version, state); err != nil {
			p.logger.Error().Err(err).Uint64("version", version).Msg("snapshot write failed")
		}
	}()
}
