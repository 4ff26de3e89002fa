// Package ragcache is the RAG tree cache: an S3-backed, size- and
// count-bounded LRU of retrieval trees with single-flight downloads,
// lexical retrieval, and federated multi-tree query merging.
package ragcache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	treeMagic   = "IFTR"
	treeVersion = 1

	// fallbackNodeBytes estimates in-memory size when the artifact
	// size is unknown.
	fallbackNodeBytes = 10 * 1024
)

// Node is one retrieval unit of a tree. Layer 0 holds the raw document
// chunks; higher layers hold recursive summaries over their children.
type Node struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Layer    int      `json:"layer"`
	Summary  bool     `json:"is_summary,omitempty"`
	Children []string `json:"children,omitempty"`
}

// Tree is a decoded retrieval tree.
type Tree struct {
	Name  string
	Nodes []Node
}

// SearchResult is one retrieved chunk. Score depends only on the
// node's layer: leaves outrank summaries.
type SearchResult struct {
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
	Layer     int     `json:"layer"`
	NodeID    string  `json:"node_id,omitempty"`
	IsSummary bool    `json:"is_summary"`
}

// layerScore implements 1/(1 + 0.2*layer).
func layerScore(layer int) float64 {
	if layer < 0 {
		layer = 0
	}
	return 1.0 / (1.0 + 0.2*float64(layer))
}

// decodeTree reads a length-prefixed tree artifact: the IFTR magic, a
// version byte, then one uvarint-length JSON record per node.
func decodeTree(name string, r io.Reader) (*Tree, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(treeMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("read tree header: %w", err)
	}
	if string(magic) != treeMagic {
		return nil, fmt.Errorf("not a tree artifact (magic %q)", string(magic))
	}
	version, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read tree version: %w", err)
	}
	if version != treeVersion {
		return nil, fmt.Errorf("unsupported tree version %d", version)
	}

	var nodes []Node
	for {
		length, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record length: %w", err)
		}
		record := make([]byte, length)
		if _, err := io.ReadFull(br, record); err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		var node Node
		if err := json.Unmarshal(record, &node); err != nil {
			return nil, fmt.Errorf("decode node %d: %w", len(nodes), err)
		}
		nodes = append(nodes, node)
	}
	return &Tree{Name: name, Nodes: nodes}, nil
}

// encodeTree writes the artifact form of a tree.
func encodeTree(tree *Tree) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(treeMagic)
	buf.WriteByte(treeVersion)

	var lenBuf [binary.MaxVarintLen64]byte
	for i := range tree.Nodes {
		record, err := json.Marshal(&tree.Nodes[i])
		if err != nil {
			return nil, fmt.Errorf("encode node %d: %w", i, err)
		}
		n := binary.PutUvarint(lenBuf[:], uint64(len(record)))
		buf.Write(lenBuf[:n])
		buf.Write(record)
	}
	return buf.Bytes(), nil
}

// estimateSize prefers the artifact size on disk and falls back to a
// per-node heuristic when it is unknown.
func estimateSize(artifactBytes int64, nodeCount int) int64 {
	if artifactBytes > 0 {
		return artifactBytes
	}
	return int64(nodeCount) * fallbackNodeBytes
}

// search retrieves up to topK nodes by lexical term overlap. Matching
// nodes are ranked by overlap, then by layer (leaves first), then by
// node order for stability.
func (t *Tree) search(query string, topK int) []SearchResult {
	terms := tokenize(query)
	if len(terms) == 0 || topK <= 0 {
		return nil
	}

	type hit struct {
		node    *Node
		order   int
		overlap int
	}
	var hits []hit
	for i := range t.Nodes {
		node := &t.Nodes[i]
		lower := strings.ToLower(node.Text)
		overlap := 0
		for _, term := range terms {
			overlap += strings.Count(lower, term)
		}
		if overlap == 0 {
			continue
		}
		hits = append(hits, hit{node: node, order: i, overlap: overlap})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].overlap != hits[j].overlap {
			return hits[i].overlap > hits[j].overlap
		}
		if hits[i].node.Layer != hits[j].node.Layer {
			return hits[i].node.Layer < hits[j].node.Layer
		}
		return hits[i].order < hits[j].order
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, SearchResult{
			Text:      h.node.Text,
			Score:     layerScore(h.node.Layer),
			Layer:     h.node.Layer,
			NodeID:    h.node.ID,
			IsSummary: h.node.Summary || h.node.Layer > 0,
		})
	}
	return results
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping
// single-rune fragments.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < 2 {
			continue
		}
		tokens = append(tokens, field)
	}
	return tokens
}
