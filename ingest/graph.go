package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	agentrt "github.com/conclave-run/conclave"
)

// validRelations maps LLM-output relation strings to typed constants.
var validRelations = map[string]agentrt.RelationType{
	"references":  agentrt.RelReferences,
	"elaborates":  agentrt.RelElaborates,
	"depends_on":  agentrt.RelDependsOn,
	"contradicts": agentrt.RelContradicts,
	"part_of":     agentrt.RelPartOf,
	"similar_to":  agentrt.RelSimilarTo,
	"sequence":    agentrt.RelSequence,
	"caused_by":   agentrt.RelCausedBy,
}

const graphExtractionPrompt = `You are a knowledge graph extractor. Analyze the following text chunks and identify relationships between them.

For each relationship found, output a JSON edge with:
- "source": the chunk ID that holds the relationship
- "target": the chunk ID being referenced
- "relation": one of: references, elaborates, depends_on, contradicts, part_of, similar_to, sequence, caused_by
- "weight": confidence score from 0.0 to 1.0

Relationship type definitions:
- references: chunk A cites or mentions content from chunk B
- elaborates: chunk A provides more detail on chunk B's topic
- depends_on: chunk A assumes knowledge from chunk B
- contradicts: chunk A conflicts with chunk B
- part_of: chunk A is a component or subset of chunk B
- similar_to: chunks cover overlapping topics
- sequence: chunk A follows chunk B in logical order
- caused_by: chunk A is a consequence of chunk B

Output ONLY valid JSON in this format:
{"edges":[{"source":"chunk_id","target":"chunk_id","relation":"type","weight":0.0}]}

If no relationships exist, output: {"edges":[]}

Chunks:
`

// extractGraphEdges sends chunks to an LLM in overlapping batches and extracts
// relationship edges. Batches slide by (batchSize - overlap); with overlap > 0,
// adjacent batches share that many chunks, and with overlap 0 they share none.
// Batches are distributed across workers goroutines; a cancelled ctx drains
// the remaining queue without making further LLM calls.
func extractGraphEdges(ctx context.Context, provider agentrt.Provider, chunks []agentrt.Chunk, batchSize, overlap, workers int, logger *slog.Logger) ([]agentrt.ChunkEdge, error) {
	if len(chunks) < 2 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 5
	}
	if overlap < 0 || overlap >= batchSize {
		overlap = 0
	}
	if workers <= 0 {
		workers = 1
	}
	stride := batchSize - overlap

	type batchRange struct{ start, end int }
	var batches []batchRange
	for start := 0; start < len(chunks); start += stride {
		end := min(start+batchSize, len(chunks))
		if end-start >= 2 {
			batches = append(batches, batchRange{start, end})
		}
		if end == len(chunks) {
			break
		}
	}

	jobs := make(chan batchRange, len(batches))
	for _, b := range batches {
		jobs <- b
	}
	close(jobs)

	var mu sync.Mutex
	var allEdges []agentrt.ChunkEdge
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				if ctx.Err() != nil {
					continue
				}

				batch := chunks[b.start:b.end]

				var prompt strings.Builder
				prompt.WriteString(graphExtractionPrompt)
				for _, c := range batch {
					fmt.Fprintf(&prompt, "\n[%s]: %s\n", c.ID, c.Content)
				}

				resp, err := provider.Chat(ctx, agentrt.ChatRequest{
					Messages: []agentrt.ChatMessage{
						{Role: "user", Content: prompt.String()},
					},
				})
				if err != nil {
					if logger != nil {
						logger.Warn("graph extraction: LLM call failed", "batch_start", b.start, "err", err)
					}
					continue
				}

				edges, err := parseEdgeResponse(resp.Content, batch)
				if err != nil {
					if logger != nil {
						logger.Warn("graph extraction: parse failed", "batch_start", b.start, "err", err)
					}
					continue
				}

				mu.Lock()
				allEdges = append(allEdges, edges...)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return allEdges, nil
}

// parseEdgeResponse parses LLM JSON output into ChunkEdge values.
// Only edges referencing valid chunk IDs from the batch are kept.
func parseEdgeResponse(content string, chunks []agentrt.Chunk) ([]agentrt.ChunkEdge, error) {
	var parsed struct {
		Edges []struct {
			Source      string  `json:"source"`
			Target      string  `json:"target"`
			Relation    string  `json:"relation"`
			Weight      float32 `json:"weight"`
			Description string  `json:"description"`
		} `json:"edges"`
	}

	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, err
	}

	validIDs := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		validIDs[c.ID] = true
	}

	var edges []agentrt.ChunkEdge
	for _, e := range parsed.Edges {
		if !validIDs[e.Source] || !validIDs[e.Target] || e.Source == e.Target {
			continue
		}
		rel, ok := validRelations[e.Relation]
		if !ok {
			continue
		}
		if e.Weight <= 0 || e.Weight > 1 {
			continue
		}
		edges = append(edges, agentrt.ChunkEdge{
			ID:          agentrt.NewID(),
			SourceID:    e.Source,
			TargetID:    e.Target,
			Relation:    rel,
			Weight:      e.Weight,
			Description: e.Description,
		})
	}

	return edges, nil
}

// deduplicateEdges collapses edges that share the same source, target, and
// relation, keeping only the highest-weighted one. Order of first appearance
// is preserved.
func deduplicateEdges(edges []agentrt.ChunkEdge) []agentrt.ChunkEdge {
	type key struct {
		source, target string
		relation       agentrt.RelationType
	}
	best := make(map[key]agentrt.ChunkEdge, len(edges))
	var order []key
	for _, e := range edges {
		k := key{e.SourceID, e.TargetID, e.Relation}
		existing, ok := best[k]
		if !ok {
			order = append(order, k)
			best[k] = e
			continue
		}
		if e.Weight > existing.Weight {
			best[k] = e
		}
	}

	result := make([]agentrt.ChunkEdge, 0, len(order))
	for _, k := range order {
		result = append(result, best[k])
	}
	return result
}

// buildSequenceEdges creates sequence edges between consecutive chunks
// (sorted by ChunkIndex). Only chunks that share the same ParentID are
// linked — this covers both flat chunks (ParentID == "") and children
// within the same parent group.
func buildSequenceEdges(chunks []agentrt.Chunk) []agentrt.ChunkEdge {
	if len(chunks) < 2 {
		return nil
	}

	// Sort by ChunkIndex to ensure correct ordering.
	sorted := make([]agentrt.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ChunkIndex < sorted[j].ChunkIndex
	})

	edges := make([]agentrt.ChunkEdge, 0, len(sorted)-1)
	for i := 0; i < len(sorted)-1; i++ {
		// Only link chunks that share the same parent (or both are flat/root).
		if sorted[i].ParentID != sorted[i+1].ParentID {
			continue
		}
		edges = append(edges, agentrt.ChunkEdge{
			ID:       agentrt.NewID(),
			SourceID: sorted[i].ID,
			TargetID: sorted[i+1].ID,
			Relation: agentrt.RelSequence,
			Weight:   1.0,
		})
	}
	return edges
}

// pruneEdges removes edges below minWeight and caps edges per source chunk to maxPerChunk.
func pruneEdges(edges []agentrt.ChunkEdge, minWeight float32, maxPerChunk int) []agentrt.ChunkEdge {
	// Filter by min weight.
	var filtered []agentrt.ChunkEdge
	for _, e := range edges {
		if e.Weight >= minWeight {
			filtered = append(filtered, e)
		}
	}

	if maxPerChunk <= 0 {
		return filtered
	}

	// Group by source, keep top N by weight.
	bySource := make(map[string][]agentrt.ChunkEdge)
	for _, e := range filtered {
		bySource[e.SourceID] = append(bySource[e.SourceID], e)
	}

	var result []agentrt.ChunkEdge
	for _, group := range bySource {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Weight > group[j].Weight
		})
		if len(group) > maxPerChunk {
			group = group[:maxPerChunk]
		}
		result = append(result, group...)
	}
	return result
}
