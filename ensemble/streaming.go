// Streaming first_complete: a stream race without premature close. The
// race differs from the non-streaming
// first_complete above in one crucial way: the winner isn't the first
// branch to *complete*, it's the first branch to emit a *content-bearing*
// chunk. Consuming a branch's Stream as a for-loop would be a bug here —
// doing so exhausts (and closes) the iterator before the main consumer
// gets a chance to keep reading it. The contract is: each branch is read
// one decoded chunk at a time by its own goroutine; the first
// content-bearing chunk latches the winner, every other branch is
// cancelled and closed, and the winner's stream stays open while its
// chunks, the latching one first, are forwarded in order on Chunks().
package ensemble

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/latticeforge/gateway/gwerrors"
	"github.com/latticeforge/gateway/provider"
	"github.com/latticeforge/gateway/wireformat"
)

// ChunkKind classifies one decoded SSE record from a provider stream.
type ChunkKind string

const (
	ChunkMetadata ChunkKind = "metadata"  // message_start/content_block_start/stop/message_delta/message_stop
	ChunkContent  ChunkKind = "content"   // content_block_delta with a text_delta
	ChunkToolCall ChunkKind = "tool_call" // content_block_start(tool_use) or an input_json_delta
	ChunkDone     ChunkKind = "done"      // message_stop / "[DONE]"
	ChunkError    ChunkKind = "error"
)

// StreamChunk is one decoded unit of streamed output.
type StreamChunk struct {
	Kind  ChunkKind
	Event string
	Data  []byte
}

// ContentBearing reports whether this chunk qualifies a branch as the
// streaming-first_complete winner. Both
// text chunks and tool-call chunks are winner-qualifying — the downstream
// consumer is responsible for handling a tool-call-shaped chunk as the
// first thing it sees.
func (c StreamChunk) ContentBearing() bool {
	return c.Kind == ChunkContent || c.Kind == ChunkToolCall
}

// sseDecoder turns a provider.Stream's raw byte reads into discrete SSE
// records ("event: ...\ndata: ...\n\n" or bare "data: ...\n\n"), decoded
// into a StreamChunk. It never consumes more of the underlying stream than
// it needs to produce the next record.
type sseDecoder struct {
	raw provider.Stream
	buf []byte
}

func newSSEDecoder(raw provider.Stream) *sseDecoder {
	return &sseDecoder{raw: raw}
}

// next blocks until one full SSE record is available, decodes it, and
// returns it. Returns io.EOF once the underlying stream is exhausted and
// no further records can be parsed from the buffer.
func (d *sseDecoder) next() (StreamChunk, error) {
	for {
		if rec, ok := d.popRecord(); ok {
			return decodeRecord(rec), nil
		}
		b, err := d.raw.Next()
		if err != nil {
			if len(bytes.TrimSpace(d.buf)) > 0 {
				rec := d.buf
				d.buf = nil
				return decodeRecord(rec), nil
			}
			return StreamChunk{}, err
		}
		d.buf = append(d.buf, b...)
	}
}

func (d *sseDecoder) popRecord() ([]byte, bool) {
	idx := bytes.Index(d.buf, []byte("\n\n"))
	if idx == -1 {
		return nil, false
	}
	rec := d.buf[:idx]
	d.buf = d.buf[idx+2:]
	return rec, true
}

// decodeRecord classifies one raw SSE record into a StreamChunk following
// the Anthropic-compatible event taxonomy: message_start,
// content_block_start, content_block_delta (text_delta or
// input_json_delta), content_block_stop, message_delta, message_stop,
// error. A bare OpenAI-style "data: [DONE]" record (no event: line) is
// also recognized, for providers whose adapter doesn't emit event names.
func decodeRecord(rec []byte) StreamChunk {
	var event string
	var data []byte
	for _, line := range bytes.Split(rec, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			event = strings.TrimSpace(string(bytes.TrimPrefix(line, []byte("event:"))))
		case bytes.HasPrefix(line, []byte("data:")):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))...)
		}
	}

	if string(data) == "[DONE]" {
		return StreamChunk{Kind: ChunkDone, Event: event, Data: data}
	}

	var envelope struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
		} `json:"delta"`
		ContentBlock struct {
			Type string `json:"type"`
		} `json:"content_block"`
	}
	_ = json.Unmarshal(data, &envelope)
	typ := event
	if envelope.Type != "" {
		typ = envelope.Type
	}

	switch typ {
	case "error":
		return StreamChunk{Kind: ChunkError, Event: event, Data: data}
	case "message_stop":
		return StreamChunk{Kind: ChunkDone, Event: event, Data: data}
	case "content_block_delta":
		if envelope.Delta.Type == "input_json_delta" {
			return StreamChunk{Kind: ChunkToolCall, Event: event, Data: data}
		}
		return StreamChunk{Kind: ChunkContent, Event: event, Data: data}
	case "content_block_start":
		if envelope.ContentBlock.Type == "tool_use" {
			return StreamChunk{Kind: ChunkToolCall, Event: event, Data: data}
		}
		return StreamChunk{Kind: ChunkMetadata, Event: event, Data: data}
	default:
		return StreamChunk{Kind: ChunkMetadata, Event: event, Data: data}
	}
}

// StreamBranchCost is the settlement-relevant outcome of one branch in a
// streaming ensemble run: a best-effort output-token estimate derived from
// observed content bytes, the same shape for the winner and for losers.
// Losers are marked Overcount — an upper bound on what they would have
// cost had they run to completion.
type StreamBranchCost struct {
	PoolID    string
	Cost      wireformat.MicroUSD
	Overcount bool
	Err       error
}

// StreamRun is the live handle to an in-flight streaming first_complete
// ensemble. Chunks() yields the winner's content in provider emission
// order, never reordered; Wait() blocks until the winner's stream
// has ended and every loser has been cancelled and cost-estimated.
type StreamRun struct {
	chunks chan StreamChunk
	done   chan struct{}

	mu         sync.Mutex
	winnerPool string
	branches   []StreamBranchCost
	err        error
}

// Chunks returns the channel of winner chunks, closed when the winner's
// stream ends (or the run fails).
func (r *StreamRun) Chunks() <-chan StreamChunk { return r.chunks }

// Wait blocks until the run is fully settled (winner done, losers
// cancelled and cost-estimated) and returns the branch-level cost ledger.
func (r *StreamRun) Wait() ([]StreamBranchCost, string, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.branches, r.winnerPool, r.err
}

type streamBranchHandle struct {
	member  Member
	raw     provider.Stream
	dec     *sseDecoder
	cancel  context.CancelFunc
	content int // bytes of content/tool-call delta observed, for cost estimate
}

type streamEvent struct {
	idx   int
	chunk StreamChunk
	err   error
}

// RunStream races req.Members' streaming completions under req.Strategy
// (currently only StrategyFirstComplete has a streaming variant; best_of_n
// and consensus buffer each branch fully before scoring/voting, which is
// exactly what the non-streaming Run already does against a provider's
// ChatCompletion — callers use Run for those strategies even in
// a "streaming" ensemble request).
func RunStream(ctx context.Context, req Request) (*StreamRun, error) {
	if req.Strategy != StrategyFirstComplete {
		return nil, gwerrors.New(gwerrors.KindConfigInvalid, "only first_complete has a streaming merge variant", gwerrors.Context{})
	}
	if len(req.Members) == 0 {
		return nil, gwerrors.New(gwerrors.KindConfigInvalid, "ensemble has zero members", gwerrors.Context{})
	}

	parent := ctx
	parentCancel := func() {}
	if req.TotalTimeout > 0 {
		parent, parentCancel = context.WithTimeout(ctx, req.TotalTimeout)
	}

	handles := make([]*streamBranchHandle, len(req.Members))
	run := &StreamRun{
		chunks:   make(chan StreamChunk, 4),
		done:     make(chan struct{}),
		branches: make([]StreamBranchCost, len(req.Members)),
	}
	for i, m := range req.Members {
		run.branches[i].PoolID = m.PoolID
	}

	events := make(chan streamEvent, len(req.Members)*4)
	var wg sync.WaitGroup
	opened := 0

	for i, m := range req.Members {
		branchCtx, cancel := context.WithCancel(parent)
		clamped := clampMaxTokens(req.Base.MaxTokens, m.PerModelBudgetMicroUSD, m.OutputPricePer1M)
		branchReq := req.Base
		branchReq.Model = m.Model
		if clamped > 0 {
			branchReq.MaxTokens = &clamped
		}
		stream, err := m.Provider.ChatCompletionStream(branchCtx, &branchReq)
		if err != nil {
			cancel()
			run.branches[i].Err = err
			continue
		}
		handles[i] = &streamBranchHandle{member: m, raw: stream, dec: newSSEDecoder(stream), cancel: cancel}
		opened++
		wg.Add(1)
		go func(i int, h *streamBranchHandle) {
			defer wg.Done()
			for {
				chunk, err := h.dec.next()
				if err != nil {
					events <- streamEvent{idx: i, err: err}
					return
				}
				if chunk.ContentBearing() {
					h.content += len(chunk.Data)
				}
				events <- streamEvent{idx: i, chunk: chunk}
				if chunk.Kind == ChunkDone {
					return
				}
			}
		}(i, handles[i])
	}

	go func() {
		wg.Wait()
		close(events)
	}()

	go func() {
		defer close(run.done)
		defer parentCancel()

		if opened == 0 {
			run.mu.Lock()
			run.err = gwerrors.New(gwerrors.KindProviderUnavailable, "all ensemble branches failed to open", gwerrors.Context{})
			run.mu.Unlock()
			close(run.chunks)
			return
		}

		winnerIdx := -1
		finished := 0

		for finished < opened {
			select {
			case <-parent.Done():
				run.mu.Lock()
				run.err = gwerrors.Wrap(gwerrors.KindProviderUnavailable, parent.Err(), gwerrors.Context{})
				run.mu.Unlock()
				for _, h := range handles {
					if h != nil {
						h.cancel()
						_ = h.raw.Close()
					}
				}
				close(run.chunks)
				return
			case ev, ok := <-events:
				if !ok {
					finished = opened
					continue
				}
				if ev.err != nil {
					if ev.err != io.EOF {
						run.mu.Lock()
						run.branches[ev.idx].Err = ev.err
						run.mu.Unlock()
					}
					finished++
					continue
				}
				if ev.chunk.Kind == ChunkDone && ev.idx != winnerIdx {
					// Either a loser finished naturally before it could be
					// cancelled, or this branch completed with no
					// content-bearing chunk at all and never had a chance
					// to win.
					finished++
					continue
				}
				if winnerIdx == -1 {
					if !ev.chunk.ContentBearing() {
						continue // metadata-only, keep racing
					}
					winnerIdx = ev.idx
					run.mu.Lock()
					run.winnerPool = handles[winnerIdx].member.PoolID
					run.mu.Unlock()
					for i, h := range handles {
						if h == nil || i == winnerIdx {
							continue
						}
						h.cancel()
						_ = h.raw.Close()
					}
					run.chunks <- ev.chunk
					continue
				}
				if ev.idx == winnerIdx {
					run.chunks <- ev.chunk
					if ev.chunk.Kind == ChunkDone {
						finished++
					}
				}
			}
		}
		close(run.chunks)

		run.mu.Lock()
		for i, h := range handles {
			if h == nil {
				continue
			}
			run.branches[i].Cost = branchCostFromBytes(h.member, h.content)
			run.branches[i].Overcount = i != winnerIdx
		}
		run.mu.Unlock()
	}()

	return run, nil
}

// branchCostFromBytes estimates cost from observed content bytes using a
// 4-bytes-per-token approximation. An upper bound is fine here: loser
// branches report Overcount, never a precise bill.
func branchCostFromBytes(m Member, contentBytes int) wireformat.MicroUSD {
	if m.OutputPricePer1M <= 0 {
		return 0
	}
	tokens := int64(contentBytes) / 4
	return wireformat.MicroUSD((tokens * int64(m.OutputPricePer1M)) / 1_000_000)
}
