package link

import (
	"encoding/hex"
	"fmt"
	"math"

	"github.com/peti69/weaver/internal/sml"
	"github.com/peti69/weaver/internal/unit"
	"github.com/peti69/weaver/internal/value"
)

// extractOBIS decodes raw as an SML infoframe and searches it for the
// sequence keyed by the hex-encoded OBIS code hexCode. The matched
// sequence's indices 3, 4 and 5 carry the unit code, decimal scaler and
// raw integer value of a smart-meter property (the two leading fields
// beyond the OBIS key itself are status and value-time, which are not
// used here). Only OBIS unit codes 27 (Watt) and 30 (WattHour) are
// recognised.
func extractOBIS(raw, hexCode string) (value.Value, error) {
	key, err := hex.DecodeString(hexCode)
	if err != nil {
		return value.Value{}, fmt.Errorf("obis code %q is not valid hex: %w", hexCode, err)
	}

	root, err := sml.Parse([]byte(raw))
	if err != nil {
		return value.Value{}, fmt.Errorf("sml parse error: %w", err)
	}

	seq := sml.SearchSequence(root, string(key))
	if seq == nil {
		return value.Value{}, fmt.Errorf("sequence for obis code %s not found", hexCode)
	}
	if len(seq) < 6 {
		return value.Value{}, fmt.Errorf("sequence for obis code %s too short", hexCode)
	}
	unitNode, scalerNode, rawNode := seq[3], seq[4], seq[5]
	if unitNode.Kind != sml.KindInteger || scalerNode.Kind != sml.KindInteger || rawNode.Kind != sml.KindInteger {
		return value.Value{}, fmt.Errorf("sequence for obis code %s invalid", hexCode)
	}

	var u unit.Unit
	switch unitNode.Int {
	case 30:
		u = unit.WattHour
	case 27:
		u = unit.Watt
	default:
		return value.Value{}, fmt.Errorf("unknown obis unit %d", unitNode.Int)
	}

	n := math.Pow(10, float64(scalerNode.Int)) * float64(rawNode.Int)
	return value.NewNumber(n, u), nil
}
