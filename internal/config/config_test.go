package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peti69/weaver/internal/value"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")
	os.WriteFile(path, []byte("{}"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/weaver.json")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	defer func() { searchPathsFunc = orig }()

	candidate := filepath.Join(dir, "weaver.json")
	searchPathsFunc = func() []string { return []string{candidate} }

	if _, err := FindConfig(""); err == nil {
		t.Fatal("expected error when no search path candidate exists")
	}

	os.WriteFile(candidate, []byte("{}"), 0600)
	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != candidate {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, candidate)
	}
}

func TestDefaultSearchPaths_IncludesRelativeAndEtc(t *testing.T) {
	paths := DefaultSearchPaths()
	if paths[0] != "weaver.json" {
		t.Errorf("first search path = %q, want %q", paths[0], "weaver.json")
	}
	if paths[len(paths)-1] != "/etc/weaver/weaver.json" {
		t.Errorf("last search path = %q, want %q", paths[len(paths)-1], "/etc/weaver/weaver.json")
	}
}

func TestParseValueTypes(t *testing.T) {
	kinds, err := parseValueTypes("number|undefined")
	if err != nil {
		t.Fatalf("parseValueTypes: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != value.Number || kinds[1] != value.Undefined {
		t.Errorf("parseValueTypes = %v", kinds)
	}
}

func TestParseValueTypes_RejectsEmpty(t *testing.T) {
	if _, err := parseValueTypes(""); err == nil {
		t.Fatal("expected error for empty type list")
	}
}

func TestParseValueTypes_RejectsUnknownKind(t *testing.T) {
	if _, err := parseValueTypes("number|bogus"); err == nil {
		t.Fatal("expected error for unknown kind name")
	}
}

func TestBuildItem_Defaults(t *testing.T) {
	ri := rawItem{ID: "temp", Type: "number", OwnerID: "sensorLink"}
	it, err := buildItem(ri, fixedNow)
	if err != nil {
		t.Fatalf("buildItem: %v", err)
	}
	if it.ID != "temp" || it.OwnerID != "sensorLink" {
		t.Errorf("buildItem = %+v", it)
	}
	if !it.LastValue().IsNull() {
		t.Error("expected a freshly built item to report no observed value")
	}
	if !it.Readable || !it.Writable || !it.Responsive {
		t.Errorf("expected readable/writable/responsive to default to true when omitted, got %+v", it)
	}
}

func TestBuildItem_RespectsExplicitFalseFlags(t *testing.T) {
	f := false
	ri := rawItem{ID: "temp", Type: "number", Readable: &f, Writable: &f, Responsive: &f}
	it, err := buildItem(ri, fixedNow)
	if err != nil {
		t.Fatalf("buildItem: %v", err)
	}
	if it.Readable || it.Writable || it.Responsive {
		t.Errorf("expected explicit false to be honoured, got %+v", it)
	}
}

func TestBuildItem_SendOnChangeInactiveUnlessConfigured(t *testing.T) {
	bare, err := buildItem(rawItem{ID: "a", Type: "number"}, fixedNow)
	if err != nil {
		t.Fatalf("buildItem: %v", err)
	}
	if bare.SendOnChange.Active {
		t.Error("expected SendOnChange to be inactive when the key is absent")
	}

	withBlock, err := buildItem(rawItem{ID: "b", Type: "number", SendOnChange: &rawSendOnChange{Minimum: 0, Maximum: 100}}, fixedNow)
	if err != nil {
		t.Fatalf("buildItem: %v", err)
	}
	if !withBlock.SendOnChange.Active {
		t.Error("expected SendOnChange to be active when the key is present")
	}
}

func TestBuildItem_DefaultsOwnerToControlLink(t *testing.T) {
	ri := rawItem{ID: "virtual", Type: "boolean"}
	it, err := buildItem(ri, fixedNow)
	if err != nil {
		t.Fatalf("buildItem: %v", err)
	}
	if it.OwnerID != "controlLinkId" {
		t.Errorf("OwnerID = %q, want controlLinkId", it.OwnerID)
	}
}

func TestBuildItem_RejectsEmptyID(t *testing.T) {
	if _, err := buildItem(rawItem{Type: "number"}, fixedNow); err == nil {
		t.Fatal("expected error for item with empty id")
	}
}

func TestBuildItem_RejectsUnknownUnit(t *testing.T) {
	ri := rawItem{ID: "temp", Type: "number", Unit: "parsec"}
	if _, err := buildItem(ri, fixedNow); err == nil {
		t.Fatal("expected error for unknown unit")
	}
}

func TestBuildItem_SendOnTimerActiveOnlyWhenDurationPositive(t *testing.T) {
	withTimer, err := buildItem(rawItem{ID: "a", Type: "number", SendOnTimer: rawSendOnTimer{Duration: 60}}, fixedNow)
	if err != nil {
		t.Fatalf("buildItem: %v", err)
	}
	if !withTimer.SendOnTimer.Active {
		t.Error("expected SendOnTimer to be active when duration > 0")
	}

	withoutTimer, err := buildItem(rawItem{ID: "b", Type: "number"}, fixedNow)
	if err != nil {
		t.Fatalf("buildItem: %v", err)
	}
	if withoutTimer.SendOnTimer.Active {
		t.Error("expected SendOnTimer to be inactive when duration is zero")
	}
}

func TestBuildModifier_Basics(t *testing.T) {
	precision := 2
	mod, err := buildModifier(rawModifier{
		ItemID:         "power",
		Unit:           "W",
		Factor:         1000,
		Summand:        0,
		RoundPrecision: &precision,
		InPattern:      `^(\d+)$`,
	})
	if err != nil {
		t.Fatalf("buildModifier: %v", err)
	}
	if mod.ItemID != "power" || mod.Factor != 1000 {
		t.Errorf("buildModifier = %+v", mod)
	}
	if !mod.HasRoundPrecision || mod.RoundPrecision != 2 {
		t.Errorf("expected round precision 2, got %+v", mod)
	}
	if mod.InPattern == nil || !mod.InPattern.MatchString("42") {
		t.Error("expected compiled InPattern to match a bare number")
	}
}

func TestBuildModifier_RejectsBadPattern(t *testing.T) {
	if _, err := buildModifier(rawModifier{ItemID: "x", InPattern: "("}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestBuildModifier_OutMappingRangeVsExact(t *testing.T) {
	min, max := 0.0, 10.0
	exact := "open"
	mod, err := buildModifier(rawModifier{
		ItemID: "x",
		OutMappings: []rawOutMapping{
			{Min: &min, Max: &max, Replacement: "closed"},
			{Exact: &exact, Replacement: "true"},
		},
	})
	if err != nil {
		t.Fatalf("buildModifier: %v", err)
	}
	if len(mod.OutMappings) != 2 {
		t.Fatalf("expected 2 out mappings, got %d", len(mod.OutMappings))
	}
	if !mod.OutMappings[0].HasRange || mod.OutMappings[0].HasExact {
		t.Errorf("mapping 0 = %+v, want range-only", mod.OutMappings[0])
	}
	if !mod.OutMappings[1].HasExact || mod.OutMappings[1].HasRange {
		t.Errorf("mapping 1 = %+v, want exact-only", mod.OutMappings[1])
	}
}

func TestBuildHandler_RequiresExactlyOneBlock(t *testing.T) {
	if _, err := buildHandler(rawLink{ID: "l"}, discardLogger()); err == nil {
		t.Fatal("expected error when no handler block is present")
	}
	if _, err := buildHandler(rawLink{
		ID:        "l",
		Generator: &rawGenerator{},
		Storage:   &rawStorage{},
	}, discardLogger()); err == nil {
		t.Fatal("expected error when more than one handler block is present")
	}
}

func TestBuildHandler_Generator(t *testing.T) {
	h, err := buildHandler(rawLink{
		ID: "gen",
		Generator: &rawGenerator{
			Bindings: []rawGeneratorBinding{{ItemID: "x", Interval: 5}},
		},
	}, discardLogger())
	if err != nil {
		t.Fatalf("buildHandler: %v", err)
	}
	if h.ID() != "gen" {
		t.Errorf("handler id = %q, want gen", h.ID())
	}
}

func TestBuildLink_WiresModifierAndHandler(t *testing.T) {
	rl := rawLink{
		ID:      "gen",
		Enabled: true,
		Modifiers: []rawModifier{
			{ItemID: "x", Factor: 2},
		},
		Generator: &rawGenerator{
			Bindings: []rawGeneratorBinding{{ItemID: "x"}},
		},
	}
	l, err := buildLink(rl, discardLogger())
	if err != nil {
		t.Fatalf("buildLink: %v", err)
	}
	if l.ID() != "gen" || !l.Enabled() {
		t.Errorf("buildLink = id %q enabled %v", l.ID(), l.Enabled())
	}
}

func TestBuild_ValidatesItemsAgainstLinks(t *testing.T) {
	doc := &rawDoc{
		Items: []rawItem{{ID: "x", Type: "number", OwnerID: "gen"}},
		Links: []rawLink{{
			ID:        "gen",
			Enabled:   true,
			Generator: &rawGenerator{Bindings: []rawGeneratorBinding{{ItemID: "x"}}},
		}},
	}
	bus, err := build(doc, discardLogger())
	require.NoError(t, err)
	require.Len(t, bus.Links, 1)
	_, ok := bus.Items.Get("x")
	require.True(t, ok, "expected item x to be registered")
}

func TestBuild_RejectsItemOwnedByUnknownLink(t *testing.T) {
	doc := &rawDoc{
		Items: []rawItem{{ID: "x", Type: "number", OwnerID: "missingLink"}},
	}
	_, err := build(doc, discardLogger())
	require.Error(t, err, "expected error for item owned by an unknown link")
}

func TestBuild_RejectsItemOwnedByLinkWithoutBinding(t *testing.T) {
	doc := &rawDoc{
		Items: []rawItem{
			{ID: "x", Type: "number", OwnerID: "gen"},
			{ID: "unbound", Type: "number", OwnerID: "gen"},
		},
		Links: []rawLink{{
			ID:        "gen",
			Enabled:   true,
			Generator: &rawGenerator{Bindings: []rawGeneratorBinding{{ItemID: "x"}}},
		}},
	}
	_, err := build(doc, discardLogger())
	require.Error(t, err, "expected a fatal error when an owned item has no binding in its link")
}

func TestLoad_ParsesJSONCAndBuildsBus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weaver.json")
	doc := `{
		// a comment weaver.json tolerates
		"logEvents": true,
		"maxLogFileSize": 10,
		"items": [
			{"id": "x", "type": "number", "ownerId": "gen"},
		],
		"links": [
			{
				"id": "gen",
				"enabled": true,
				"generator": {
					"bindings": [{"itemId": "x", "interval": 1}]
				}
			}
		]
	}`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	bus, err := Load(path, discardLogger())
	require.NoError(t, err)
	require.True(t, bus.Log.LogEvents)
	require.Equal(t, 10, bus.Log.MaxLogFileSize)
	require.Len(t, bus.Links, 1)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), discardLogger())
	require.Error(t, err, "expected error for missing config file")
}

func TestValueFromJSON_EmptyIsNull(t *testing.T) {
	v, err := valueFromJSON(nil, "")
	if err != nil {
		t.Fatalf("valueFromJSON: %v", err)
	}
	if !v.IsNull() {
		t.Error("expected empty raw literal to produce a null value")
	}
}

func TestValueFromJSON_InfersKindFromLiteral(t *testing.T) {
	v, err := valueFromJSON(json.RawMessage(`"hello"`), "")
	if err != nil {
		t.Fatalf("valueFromJSON: %v", err)
	}
	if v.Kind() != value.String || v.StringVal() != "hello" {
		t.Errorf("valueFromJSON = %+v", v)
	}
}

func TestValueFromJSON_ExplicitKind(t *testing.T) {
	v, err := valueFromJSON(json.RawMessage(`21.5`), "number")
	if err != nil {
		t.Fatalf("valueFromJSON: %v", err)
	}
	if v.Kind() != value.Number || v.NumberVal() != 21.5 {
		t.Errorf("valueFromJSON = %+v", v)
	}
}

func TestValueFromJSON_TimePoint(t *testing.T) {
	v, err := valueFromJSON(json.RawMessage(`"2024-01-02T15:04:05Z"`), "timePoint")
	if err != nil {
		t.Fatalf("valueFromJSON: %v", err)
	}
	if v.Kind() != value.TimePoint {
		t.Errorf("valueFromJSON kind = %v, want TimePoint", v.Kind())
	}
}

func TestValueFromJSON_RejectsBadTimePoint(t *testing.T) {
	if _, err := valueFromJSON(json.RawMessage(`"not-a-time"`), "timePoint"); err == nil {
		t.Fatal("expected error for malformed time point literal")
	}
}

func TestValueFromJSON_RejectsUnknownKind(t *testing.T) {
	if _, err := valueFromJSON(json.RawMessage(`1`), "bogus"); err == nil {
		t.Fatal("expected error for unknown value kind")
	}
}
