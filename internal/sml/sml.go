// Package sml implements a bytewise recursive decoder for SML (Smart
// Message Language), the self-describing TLV encoding used by German
// smart-meter infoframes, per spec.md §4.5. It is used inbound on
// OBIS-bearing strings extracted from link payloads.
package sml

import "fmt"

// NodeKind identifies which arm of a decoded Node is inhabited.
type NodeKind int

const (
	KindSequence NodeKind = iota
	KindString
	KindInteger
	KindBoolean
	KindNull
)

// Node is one entry of the object tree produced by Parse.
type Node struct {
	Kind     NodeKind
	Sequence []*Node
	Str      string
	Int      int64
	Bool     bool
}

// ParseError describes why decoding failed, including the byte offset
// at which the problem was detected.
type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sml parse error at offset %d: %s", e.Offset, e.Reason)
}

// Parse decodes content as a sequence of top-level SML TLV items, each
// terminated by a 0x00 end-of-message marker. Each TLV byte's high
// nibble is the tag (0x70 sequence of N children, 0x00 octet-string of
// N-1 bytes or Null when N=1, 0x60 unsigned big-endian int of N-1
// bytes, 0x50 signed big-endian two's-complement int of N-1 bytes,
// 0x40 boolean); the low nibble is the length N in bytes, including
// the tag byte itself.
func Parse(content []byte) (*Node, error) {
	root := &Node{Kind: KindSequence}
	pos := 0
	for pos < len(content) {
		if err := parseItem(content, &pos, root); err != nil {
			return nil, err
		}
		if pos >= len(content) || content[pos] != 0x00 {
			return nil, &ParseError{Offset: pos, Reason: "no end of message indicator"}
		}
		pos++
	}
	return root, nil
}

func parseItem(content []byte, pos *int, parent *Node) error {
	if *pos >= len(content) {
		return &ParseError{Offset: *pos, Reason: "data missing"}
	}
	b := content[*pos]
	length := int(b & 0x0F)
	switch b & 0xF0 {
	case 0x70:
		*pos++
		seq := &Node{Kind: KindSequence}
		parent.Sequence = append(parent.Sequence, seq)
		for i := 0; i < length; i++ {
			if err := parseItem(content, pos, seq); err != nil {
				return err
			}
		}
	case 0x00:
		if length > 0 {
			if *pos+length > len(content) {
				return &ParseError{Offset: *pos, Reason: "data missing"}
			}
			if length == 1 {
				parent.Sequence = append(parent.Sequence, &Node{Kind: KindNull})
			} else {
				parent.Sequence = append(parent.Sequence, &Node{
					Kind: KindString,
					Str:  string(content[*pos+1 : *pos+length]),
				})
			}
			*pos += length
		}
	case 0x60:
		if *pos+length > len(content) {
			return &ParseError{Offset: *pos, Reason: "data missing"}
		}
		var n int64
		for i := 1; i < length; i++ {
			n = n*256 + int64(content[*pos+i])
		}
		parent.Sequence = append(parent.Sequence, &Node{Kind: KindInteger, Int: n})
		*pos += length
	case 0x50:
		if *pos+length > len(content) {
			return &ParseError{Offset: *pos, Reason: "data missing"}
		}
		var n, factor int64 = 0, 1
		for i := 1; i < length; i++ {
			n = n*256 + int64(content[*pos+i])
			factor *= 256
		}
		if length > 1 && content[*pos+1]&0x80 != 0 {
			n = -factor + n
		}
		parent.Sequence = append(parent.Sequence, &Node{Kind: KindInteger, Int: n})
		*pos += length
	case 0x40:
		if *pos+length > len(content) {
			return &ParseError{Offset: *pos, Reason: "data missing"}
		}
		parent.Sequence = append(parent.Sequence, &Node{Kind: KindBoolean, Bool: content[*pos+1] != 0x00})
		*pos += length
	default:
		return &ParseError{Offset: *pos, Reason: "unknown type length"}
	}
	return nil
}

// SearchSequence searches the decoded tree (depth-first) for a
// sequence whose first item is a string equal to value. Returns nil
// if no such sequence exists.
func SearchSequence(root *Node, value string) []*Node {
	var search func(n *Node) []*Node
	search = func(n *Node) []*Node {
		if n.Kind != KindSequence || len(n.Sequence) == 0 {
			return nil
		}
		if first := n.Sequence[0]; first.Kind == KindString && first.Str == value {
			return n.Sequence
		}
		for _, child := range n.Sequence {
			if found := search(child); found != nil {
				return found
			}
		}
		return nil
	}
	return search(root)
}
