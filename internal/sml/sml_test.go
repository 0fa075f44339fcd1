package sml

import "testing"

// buildObisMessage builds a single top-level sequence node:
//
//	["obis", null, null, 30 (unsigned), -1 (signed), 987 (unsigned)]
//
// followed by the 0x00 end-of-message marker. The link layer's OBIS
// extraction step reads unit/scaler/value from sequence indices 3, 4
// and 5, after the OBIS key and two unused leading fields (status and
// value-time in a real smart-meter list entry).
func buildObisMessage() []byte {
	return []byte{
		0x76,                     // sequence, 6 children
		0x05, 'o', 'b', 'i', 's', // octet-string "obis"
		0x01,       // null (status)
		0x01,       // null (value time)
		0x62, 0x1E, // unsigned int 30
		0x52, 0xFF, // signed int -1
		0x63, 0x03, 0xDB, // unsigned int 987
		0x00, // end of message
	}
}

func TestParseAndSearchSequence(t *testing.T) {
	root, err := Parse(buildObisMessage())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	seq := SearchSequence(root, "obis")
	if seq == nil {
		t.Fatalf("SearchSequence did not find the obis-keyed sequence")
	}
	if len(seq) != 6 {
		t.Fatalf("sequence length = %d, want 6", len(seq))
	}
	if seq[3].Kind != KindInteger || seq[3].Int != 30 {
		t.Errorf("unit_code = %+v, want Integer 30", seq[3])
	}
	if seq[4].Kind != KindInteger || seq[4].Int != -1 {
		t.Errorf("scaler = %+v, want Integer -1", seq[4])
	}
	if seq[5].Kind != KindInteger || seq[5].Int != 987 {
		t.Errorf("raw = %+v, want Integer 987", seq[5])
	}
}

func TestSearchSequenceMissing(t *testing.T) {
	root, err := Parse(buildObisMessage())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if seq := SearchSequence(root, "nope"); seq != nil {
		t.Errorf("expected no match, got %+v", seq)
	}
}

func TestParseRejectsMissingEndMarker(t *testing.T) {
	msg := buildObisMessage()
	msg = msg[:len(msg)-1] // drop the trailing 0x00
	_, err := Parse(msg)
	if err == nil {
		t.Fatalf("expected an error for a message without an end-of-message marker")
	}
	var perr *ParseError
	if !asParseError(err, &perr) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
}

func TestParseRejectsTruncatedData(t *testing.T) {
	_, err := Parse([]byte{0x63, 0x01}) // claims 2 more payload bytes, has 1
	if err == nil {
		t.Fatalf("expected an error for truncated data")
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}
