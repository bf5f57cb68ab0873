package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lotse-ki/lotse/pkg/llms"
	"github.com/lotse-ki/lotse/pkg/model"
)

// ErrSynthesisFailed means the stream failed before any text arrived.
// A failure after the first chunk yields a partial response instead.
var ErrSynthesisFailed = errors.New("synthesis failed before first chunk")

// ProgressPublisher is the slice of the progress bus the driver needs.
type ProgressPublisher interface {
	Publish(sessionID string, stage model.Stage, status model.EventStatus, kind string, payload map[string]any) model.ProgressEvent
}

// Driver streams the completion and assembles SynthesizedResponses. A
// multi-part run produces one response per part, each carrying explicit
// part numbers; stitching is the caller's concern.
type Driver struct {
	provider llms.Provider
	builder  *Builder
	bus      ProgressPublisher
}

func NewDriver(provider llms.Provider, builder *Builder, bus ProgressPublisher) *Driver {
	return &Driver{provider: provider, builder: builder, bus: bus}
}

// Synthesize runs the completion over the aggregated context. parts > 1
// splits the sources into contiguous shards and synthesizes each shard as
// its own response part. The error is non-nil only when nothing usable
// was produced.
func (d *Driver) Synthesize(ctx context.Context, agg *model.AggregatedContext, parts int) ([]model.SynthesizedResponse, error) {
	if parts < 1 {
		parts = 1
	}
	sessionID := agg.Query.SessionID

	d.bus.Publish(sessionID, model.StageSynthesis, model.EventStarted, model.KindSynthesisStarted, map[string]any{
		"parts": parts,
	})

	shards := shardSources(agg.Sources, parts)
	responses := make([]model.SynthesizedResponse, 0, parts)
	markerOffset := 0

	for i, shard := range shards {
		response, err := d.synthesizePart(ctx, agg, shard, markerOffset, i+1, parts)
		markerOffset += len(shard)

		if err != nil {
			if len(responses) == 0 && response.Answer == "" {
				return nil, err
			}
			// Keep what streamed so far; the run degrades to partial.
			if response.Answer != "" {
				response.Status = model.ResponsePartial
				responses = append(responses, response)
			} else if n := len(responses); n > 0 {
				responses[n-1].Status = model.ResponsePartial
			}
			return responses, nil
		}
		responses = append(responses, response)
	}

	return responses, nil
}

func (d *Driver) synthesizePart(ctx context.Context, agg *model.AggregatedContext, shard []model.Source, markerOffset, partIndex, partCount int) (model.SynthesizedResponse, error) {
	started := time.Now()
	sessionID := agg.Query.SessionID

	prompt, err := d.builder.Build(agg, shard, markerOffset, partIndex, partCount)
	if err != nil {
		return model.SynthesizedResponse{}, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}

	stream, err := d.provider.GenerateStreaming(ctx, llms.Request{
		System: prompt.System,
		Prompt: prompt.User,
	})
	if err != nil {
		return model.SynthesizedResponse{}, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}

	var raw strings.Builder
	var streamErr error

collect:
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				break collect
			}
			switch chunk.Type {
			case llms.ChunkText:
				raw.WriteString(chunk.Text)
				d.bus.Publish(sessionID, model.StageSynthesis, model.EventProgress, model.KindSynthesisChunk, map[string]any{
					"kind":       "text_chunk",
					"text":       chunk.Text,
					"part_index": partIndex,
				})
			case llms.ChunkError:
				streamErr = chunk.Err
				break collect
			case llms.ChunkDone:
				break collect
			}
		case <-ctx.Done():
			streamErr = ctx.Err()
			break collect
		}
	}

	rawText := raw.String()
	if rawText == "" {
		if streamErr == nil {
			streamErr = fmt.Errorf("empty completion")
		}
		return model.SynthesizedResponse{}, fmt.Errorf("%w: %v", ErrSynthesisFailed, streamErr)
	}

	response := d.assemble(agg, rawText, started, partIndex, partCount)
	if streamErr != nil {
		response.Status = model.ResponsePartial
		d.bus.Publish(sessionID, model.StageSynthesis, model.EventError, model.KindSynthesisDone, map[string]any{
			"status": string(response.Status),
			"error":  streamErr.Error(),
		})
		return response, streamErr
	}

	d.bus.Publish(sessionID, model.StageSynthesis, model.EventDone, model.KindSynthesisDone, map[string]any{
		"status":      string(response.Status),
		"part_index":  partIndex,
		"part_count":  partCount,
		"citations":   len(response.Citations),
		"duration_ms": response.Duration.Milliseconds(),
	})
	return response, nil
}

func (d *Driver) assemble(agg *model.AggregatedContext, rawText string, started time.Time, partIndex, partCount int) model.SynthesizedResponse {
	answer, metadata := ExtractMetadata(rawText)
	citations := ExtractCitations(answer, agg.Sources)

	status := model.ResponseDone
	if partCount > 1 {
		status = model.ResponseMultiPart
	}

	response := model.SynthesizedResponse{
		Answer:     answer,
		Citations:  citations,
		Metadata:   metadata,
		Confidence: overallConfidence(agg),
		ModelID:    d.provider.ModelName(),
		Duration:   time.Since(started),
		Degraded:   agg.Degraded,
		Status:     status,
	}
	if partCount > 1 {
		response.PartIndex = partIndex
		response.PartCount = partCount
	}

	for _, r := range agg.SuccessfulAgents() {
		response.AgentIDs = append(response.AgentIDs, r.AgentID)
	}
	for _, c := range citations {
		response.SourceIDs = append(response.SourceIDs, c.SourceID)
	}
	return response
}

// overallConfidence blends the successful agents' confidence with how
// much retrieved evidence backs the answer.
func overallConfidence(agg *model.AggregatedContext) float64 {
	successful := agg.SuccessfulAgents()
	confidence := 0.5
	if len(successful) > 0 {
		sum := 0.0
		for _, r := range successful {
			sum += r.Confidence
		}
		confidence = sum / float64(len(successful))
	}
	if len(agg.Sources) == 0 {
		confidence *= 0.7
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// shardSources splits sources into parts contiguous shards, sizes as even
// as possible, earlier shards first.
func shardSources(sources []model.Source, parts int) [][]model.Source {
	if parts < 2 || len(sources) == 0 {
		return [][]model.Source{sources}
	}
	if parts > len(sources) {
		parts = len(sources)
	}

	shards := make([][]model.Source, 0, parts)
	base := len(sources) / parts
	extra := len(sources) % parts
	idx := 0
	for i := 0; i < parts; i++ {
		size := base
		if i < extra {
			size++
		}
		shards = append(shards, sources[idx:idx+size])
		idx += size
	}
	return shards
}
