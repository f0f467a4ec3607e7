package lifelog

import "strconv"

// Flatten walks an entry's content tree depth-first and returns one segment per
// node in pre-order, children immediately after their parent. Each node gets a
// path of sibling indices from the root ("0", "0.1", "0.1.2") and the segment id
// entryID + ":" + path. Nodes are never dropped; nodes with empty text are still
// emitted so consumers decide what to render. Flattening the same tree twice
// yields identical ids in identical order.
func Flatten(entryID string, nodes []ContentNode) []Segment {
	segments := make([]Segment, 0, len(nodes))
	var walk func(node ContentNode, path string)
	walk = func(node ContentNode, path string) {
		segments = append(segments, Segment{
			ID:                entryID + ":" + path,
			EntryID:           entryID,
			Path:              path,
			Type:              node.Type,
			Content:           node.Content,
			StartTime:         node.StartTime,
			EndTime:           node.EndTime,
			StartOffsetMs:     node.StartOffsetMs,
			EndOffsetMs:       node.EndOffsetMs,
			SpeakerName:       node.SpeakerName,
			SpeakerIdentifier: node.SpeakerIdentifier,
		})
		for i, child := range node.Children {
			walk(child, path+"."+strconv.Itoa(i))
		}
	}
	for i, node := range nodes {
		walk(node, strconv.Itoa(i))
	}
	return segments
}
