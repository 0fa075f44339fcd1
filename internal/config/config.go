// Package config loads the JSON configuration document described in
// spec.md §6 (comments and trailing commas tolerated via
// internal/jsonc) and builds the item registry and links it describes.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/jsonc"
	"github.com/peti69/weaver/internal/link"
	"github.com/peti69/weaver/internal/unit"
	"github.com/peti69/weaver/internal/value"
)

// searchPathsFunc is overridden in tests so TestFindConfig_SearchPath
// does not depend on whatever real config files happen to exist on
// the machine running the test.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order when no
// explicit path (the CLI's <config-path> argument, per spec.md §6) was
// given.
func DefaultSearchPaths() []string {
	paths := []string{"weaver.json"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "weaver", "weaver.json"))
	}
	paths = append(paths, "/etc/weaver/weaver.json")
	return paths
}

// FindConfig locates the configuration document. If explicit is
// non-empty it must exist; otherwise the search path is tried in
// order and the first existing file wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// LogConfig carries the engine-wide logging knobs of spec.md §6.
type LogConfig struct {
	LogPSelectCalls     bool
	LogEvents           bool
	LogSuppressedEvents bool
	LogGeneratedEvents  bool
	LogFileName         string
	MaxLogFileSize      int // megabytes, per lumberjack convention
	MaxLogFileCount      int
}

// Bus is the fully-resolved result of loading a configuration
// document: an item registry and the ordered set of links ready to be
// handed to engine.New.
type Bus struct {
	Items *item.Registry
	Links []*link.Link
	Log   LogConfig
}

// --- raw JSON document shape ---

type rawDoc struct {
	LogPSelectCalls     bool       `json:"logPSelectCalls"`
	LogEvents           bool       `json:"logEvents"`
	LogSuppressedEvents bool       `json:"logSuppressedEvents"`
	LogGeneratedEvents  bool       `json:"logGeneratedEvents"`
	LogFileName         string     `json:"logFileName"`
	MaxLogFileSize      int        `json:"maxLogFileSize"`
	MaxLogFileCount     int        `json:"maxLogFileCount"`
	Items               []rawItem  `json:"items"`
	Links               []rawLink  `json:"links"`
}

type rawSendOnTimer struct {
	Duration float64 `json:"duration"` // seconds
}

type rawSendOnChange struct {
	AbsVariation float64 `json:"absVariation"`
	RelVariation float64 `json:"relVariation"`
	Minimum      float64 `json:"minimum"`
	Maximum      float64 `json:"maximum"`
}

type rawItem struct {
	ID              string           `json:"id"`
	Type            string           `json:"type"` // pipe-separated list of value-type names
	OwnerID         string           `json:"ownerId"`
	Unit            string           `json:"unit"`
	Readable        *bool            `json:"readable"`
	Writable        *bool            `json:"writable"`
	Responsive      *bool            `json:"responsive"`
	PollingInterval float64          `json:"pollingInterval"` // seconds, 0 disables polling
	HistoryPeriod   float64          `json:"historyPeriod"`   // seconds
	SendOnTimer     rawSendOnTimer   `json:"sendOnTimer"`
	SendOnChange    *rawSendOnChange `json:"sendOnChange"`
}

type rawBooleanAsString struct {
	FalseValue           string `json:"falseValue"`
	TrueValue            string `json:"trueValue"`
	UnwritableFalseValue string `json:"unwritableFalseValue"`
	UnwritableTrueValue  string `json:"unwritableTrueValue"`
}

type rawTimePointAsString struct {
	Format string `json:"format"`
}

type rawVoidAsString struct {
	Value           string `json:"value"`
	UnwritableValue string `json:"unwritableValue"`
}

type rawUndefinedAsString struct {
	Value string `json:"value"`
}

type rawOutMapping struct {
	Min         *float64 `json:"min"`
	Max         *float64 `json:"max"`
	Exact       *string  `json:"exact"`
	Replacement string   `json:"replacement"`
}

type rawModifier struct {
	ItemID         string          `json:"itemId"`
	Unit           string          `json:"unit"`
	Factor         float64         `json:"factor"`
	Summand        float64         `json:"summand"`
	RoundPrecision *int            `json:"roundPrecision"`
	InOBISCode     string          `json:"inObisCode"`
	InJSONPointer  string          `json:"inJsonPointer"`
	InPattern      string          `json:"inPattern"`
	InMappings     map[string]string `json:"inMappings"`
	OutMappings    []rawOutMapping `json:"outMappings"`
}

type rawLink struct {
	ID                 string               `json:"id"`
	Enabled            bool                 `json:"enabled"`
	SuppressReadEvents bool                 `json:"suppressReadEvents"`
	SuppressUndefined  bool                 `json:"suppressUndefined"`
	OperationalItem    string               `json:"operationalItem"`
	ErrorCounterItem   string               `json:"errorCounterItem"`
	MaxReceiveDuration float64              `json:"maxReceiveDuration"` // milliseconds
	MaxSendDuration    float64              `json:"maxSendDuration"`    // milliseconds
	NumberAsString     bool                 `json:"numberAsString"`
	BooleanAsString    rawBooleanAsString   `json:"booleanAsString"`
	TimePointAsString  rawTimePointAsString `json:"timePointAsString"`
	VoidAsString       rawVoidAsString      `json:"voidAsString"`
	VoidAsBoolean      bool                 `json:"voidAsBoolean"`
	UndefinedAsString  rawUndefinedAsString `json:"undefinedAsString"`
	Modifiers          []rawModifier        `json:"modifiers"`

	KNX       *rawKNX       `json:"knx"`
	MQTT      *rawMQTT      `json:"mqtt"`
	Modbus    *rawModbus    `json:"modbus"`
	Port      *rawPort      `json:"port"`
	HTTP      *rawHTTP      `json:"http"`
	TCP       *rawTCP       `json:"tcp"`
	Generator *rawGenerator `json:"generator"`
	Storage   *rawStorage   `json:"storage"`
}

// Load reads, strips comments/trailing commas from, and parses the
// configuration document at path, then builds the item registry and
// links it describes. Every link's handler is given a child of logger
// tagged with its link id (spec.md §9 "shared per-link logger"); a nil
// logger falls back to slog.Default().
func Load(path string, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var doc rawDoc
	if err := json.Unmarshal(jsonc.Strip(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return build(&doc, logger)
}

func build(doc *rawDoc, logger *slog.Logger) (*Bus, error) {
	items := item.NewRegistry()
	now := time.Now()

	for _, ri := range doc.Items {
		it, err := buildItem(ri, now)
		if err != nil {
			return nil, err
		}
		items.Add(it)
	}

	links := make([]*link.Link, 0, len(doc.Links))
	knownLinkIDs := make(map[string]bool, len(doc.Links))
	for _, rl := range doc.Links {
		knownLinkIDs[rl.ID] = true
	}

	for _, rl := range doc.Links {
		l, err := buildLink(rl, logger)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", rl.ID, err)
		}
		links = append(links, l)
	}

	if err := items.Validate(event.ControlLinkID, knownLinkIDs, logger); err != nil {
		return nil, err
	}

	for _, l := range links {
		if err := l.Validate(items); err != nil {
			return nil, fmt.Errorf("link %s: %w", l.ID(), err)
		}
	}

	return &Bus{
		Items: items,
		Links: links,
		Log: LogConfig{
			LogPSelectCalls:     doc.LogPSelectCalls,
			LogEvents:           doc.LogEvents,
			LogSuppressedEvents: doc.LogSuppressedEvents,
			LogGeneratedEvents:  doc.LogGeneratedEvents,
			LogFileName:         doc.LogFileName,
			MaxLogFileSize:      doc.MaxLogFileSize,
			MaxLogFileCount:     doc.MaxLogFileCount,
		},
	}, nil
}

func buildItem(ri rawItem, now time.Time) (*item.Item, error) {
	kinds, err := parseValueTypes(ri.Type)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", ri.ID, err)
	}
	if ri.ID == "" {
		return nil, fmt.Errorf("item with empty id")
	}

	ownerID := ri.OwnerID
	if ownerID == "" {
		ownerID = event.ControlLinkID
	}

	it := item.New(ri.ID, ownerID, kinds, now)

	if ri.Unit != "" {
		u, err := unit.ParseUnit(ri.Unit)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", ri.ID, err)
		}
		it.Unit = u
	}

	it.Readable = boolOrDefault(ri.Readable, true)
	it.Writable = boolOrDefault(ri.Writable, true)
	it.Responsive = boolOrDefault(ri.Responsive, true)
	it.PollingInterval = seconds(ri.PollingInterval)
	it.HistoryPeriod = seconds(ri.HistoryPeriod)
	it.SendOnTimer.Active = ri.SendOnTimer.Duration > 0
	it.SendOnTimer.Interval = seconds(ri.SendOnTimer.Duration)
	if ri.SendOnChange != nil {
		it.SendOnChange.Active = true
		it.SendOnChange.AbsVariation = ri.SendOnChange.AbsVariation
		it.SendOnChange.RelVariation = ri.SendOnChange.RelVariation
		it.SendOnChange.Minimum = ri.SendOnChange.Minimum
		it.SendOnChange.Maximum = ri.SendOnChange.Maximum
	}

	it.SeedPollingPhase(now, nil)

	return it, nil
}

func parseValueTypes(s string) ([]value.Kind, error) {
	if s == "" {
		return nil, fmt.Errorf("type must not be empty")
	}
	var kinds []value.Kind
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '|' {
			name := s[start:i]
			k, err := value.ParseKind(name)
			if err != nil {
				return nil, err
			}
			kinds = append(kinds, k)
			start = i + 1
		}
	}
	return kinds, nil
}

func seconds(n float64) time.Duration {
	return time.Duration(n * float64(time.Second))
}

func millis(n float64) time.Duration {
	return time.Duration(n * float64(time.Millisecond))
}

// boolOrDefault returns *p, or def when the config omitted the key.
func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func buildLink(rl rawLink, logger *slog.Logger) (*link.Link, error) {
	modifiers := make(map[string]link.Modifier, len(rl.Modifiers))
	for _, rm := range rl.Modifiers {
		mod, err := buildModifier(rm)
		if err != nil {
			return nil, fmt.Errorf("modifier %s: %w", rm.ItemID, err)
		}
		modifiers[rm.ItemID] = mod
	}

	cfg := link.Config{
		ID:                 rl.ID,
		Enabled:            rl.Enabled,
		SuppressReadEvents: rl.SuppressReadEvents,
		SuppressUndefined:  rl.SuppressUndefined,
		OperationalItemID:  rl.OperationalItem,
		ErrorCounterItemID: rl.ErrorCounterItem,
		MaxReceiveDuration: millis(rl.MaxReceiveDuration),
		MaxSendDuration:    millis(rl.MaxSendDuration),
		NumberAsString:     rl.NumberAsString,
		BooleanAsString: link.BooleanAsString{
			FalseValue:           rl.BooleanAsString.FalseValue,
			TrueValue:            rl.BooleanAsString.TrueValue,
			UnwritableFalseValue: rl.BooleanAsString.UnwritableFalseValue,
			UnwritableTrueValue:  rl.BooleanAsString.UnwritableTrueValue,
		},
		TimePointAsString: link.TimePointAsString{Format: rl.TimePointAsString.Format},
		VoidAsString: link.VoidAsString{
			Value:           rl.VoidAsString.Value,
			UnwritableValue: rl.VoidAsString.UnwritableValue,
		},
		VoidAsBoolean:     rl.VoidAsBoolean,
		UndefinedAsString: link.UndefinedAsString{Value: rl.UndefinedAsString.Value},
		Modifiers:         modifiers,
	}

	linkLogger := logger.With("link_id", rl.ID)
	h, err := buildHandler(rl, linkLogger)
	if err != nil {
		return nil, err
	}

	return link.New(cfg, h, linkLogger), nil
}

func buildModifier(rm rawModifier) (link.Modifier, error) {
	mod := link.Modifier{
		ItemID:        rm.ItemID,
		Factor:        rm.Factor,
		Summand:       rm.Summand,
		InOBISCode:    rm.InOBISCode,
		InJSONPointer: rm.InJSONPointer,
		InMappings:    rm.InMappings,
	}
	if rm.Unit != "" {
		u, err := unit.ParseUnit(rm.Unit)
		if err != nil {
			return link.Modifier{}, err
		}
		mod.Unit = u
	}
	if rm.RoundPrecision != nil {
		mod.HasRoundPrecision = true
		mod.RoundPrecision = *rm.RoundPrecision
	}
	if rm.InPattern != "" {
		re, err := regexp.Compile(rm.InPattern)
		if err != nil {
			return link.Modifier{}, fmt.Errorf("inPattern %q: %w", rm.InPattern, err)
		}
		mod.InPattern = re
	}
	for _, om := range rm.OutMappings {
		out := link.OutMapping{Replacement: om.Replacement}
		switch {
		case om.Min != nil || om.Max != nil:
			out.HasRange = true
			if om.Min != nil {
				out.Min = *om.Min
			}
			if om.Max != nil {
				out.Max = *om.Max
			}
		case om.Exact != nil:
			out.HasExact = true
			out.Exact = *om.Exact
		}
		mod.OutMappings = append(mod.OutMappings, out)
	}
	return mod, nil
}

func buildHandler(rl rawLink, logger *slog.Logger) (handler.Handler, error) {
	present := 0
	var h handler.Handler
	var err error

	if rl.KNX != nil {
		present++
		h, err = buildKNX(rl.ID, rl.KNX, logger)
	}
	if rl.MQTT != nil {
		present++
		h, err = buildMQTT(rl.ID, rl.MQTT, logger)
	}
	if rl.Modbus != nil {
		present++
		h, err = buildModbus(rl.ID, rl.Modbus, logger)
	}
	if rl.Port != nil {
		present++
		h, err = buildPort(rl.ID, rl.Port, logger)
	}
	if rl.HTTP != nil {
		present++
		h, err = buildHTTP(rl.ID, rl.HTTP, logger)
	}
	if rl.TCP != nil {
		present++
		h, err = buildTCP(rl.ID, rl.TCP, logger)
	}
	if rl.Generator != nil {
		present++
		h, err = buildGenerator(rl.ID, rl.Generator)
	}
	if rl.Storage != nil {
		present++
		h, err = buildStorage(rl.ID, rl.Storage, logger)
	}

	if err != nil {
		return nil, err
	}
	if present != 1 {
		return nil, fmt.Errorf("link %s: exactly one handler block required, found %d", rl.ID, present)
	}
	return h, nil
}
