package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"time"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/handler/generator"
	handlerhttp "github.com/peti69/weaver/internal/handler/http"
	"github.com/peti69/weaver/internal/handler/knx"
	"github.com/peti69/weaver/internal/handler/modbus"
	"github.com/peti69/weaver/internal/handler/mqtt"
	"github.com/peti69/weaver/internal/handler/port"
	"github.com/peti69/weaver/internal/handler/storage"
	"github.com/peti69/weaver/internal/handler/tcp"
	"github.com/peti69/weaver/internal/value"
)

// --- KNX ---

type rawKNXBinding struct {
	ItemID  string `json:"itemId"`
	StateGa string `json:"stateGa"`
	WriteGa string `json:"writeGa"`
	Dpt     string `json:"dpt"`
}

type rawKNX struct {
	LocalIP              string          `json:"localIp"`
	NATMode              bool            `json:"natMode"`
	Gateway              string          `json:"gateway"`
	Port                 int             `json:"port"`
	ReconnectInterval    float64         `json:"reconnectInterval"`    // seconds
	ConnStateReqInterval float64         `json:"connStateReqInterval"` // seconds
	ControlRespTimeout   float64         `json:"controlRespTimeout"`   // seconds
	LdataConTimeout      float64         `json:"ldataConTimeout"`      // seconds
	PhysicalAddr         string          `json:"physicalAddr"`
	LogRawMsg            bool            `json:"logRawMsg"`
	LogData              bool            `json:"logData"`
	Bindings             []rawKNXBinding `json:"bindings"`
}

func buildKNX(linkID string, r *rawKNX, logger *slog.Logger) (handler.Handler, error) {
	cfg := knx.Config{
		NATMode:              r.NATMode,
		Gateway:              r.Gateway,
		Port:                 r.Port,
		ReconnectInterval:    seconds(r.ReconnectInterval),
		ConnStateReqInterval: seconds(r.ConnStateReqInterval),
		ControlRespTimeout:   seconds(r.ControlRespTimeout),
		LDataConTimeout:      seconds(r.LdataConTimeout),
		LogRawMsg:            r.LogRawMsg,
		LogData:              r.LogData,
	}
	if r.LocalIP != "" {
		ip := net.ParseIP(r.LocalIP)
		if ip == nil {
			return nil, fmt.Errorf("knx %s: invalid localIp %q", linkID, r.LocalIP)
		}
		cfg.LocalIP = ip
	}
	if r.PhysicalAddr != "" {
		pa, err := knx.ParsePhysicalAddr(r.PhysicalAddr)
		if err != nil {
			return nil, fmt.Errorf("knx %s: %w", linkID, err)
		}
		cfg.PhysicalAddr = pa
	}
	for _, rb := range r.Bindings {
		b := knx.Binding{ItemID: rb.ItemID}
		if rb.StateGa != "" {
			ga, err := knx.ParseGroupAddr(rb.StateGa)
			if err != nil {
				return nil, fmt.Errorf("knx %s: item %s: %w", linkID, rb.ItemID, err)
			}
			b.StateGa = ga
		}
		if rb.WriteGa != "" {
			ga, err := knx.ParseGroupAddr(rb.WriteGa)
			if err != nil {
				return nil, fmt.Errorf("knx %s: item %s: %w", linkID, rb.ItemID, err)
			}
			b.WriteGa = ga
		}
		if rb.Dpt != "" {
			dpt, err := knx.ParseDPT(rb.Dpt)
			if err != nil {
				return nil, fmt.Errorf("knx %s: item %s: %w", linkID, rb.ItemID, err)
			}
			b.Dpt = dpt
		}
		cfg.Bindings = append(cfg.Bindings, b)
	}
	return knx.New(linkID, cfg, logger), nil
}

// --- MQTT ---

type rawMQTTBinding struct {
	ItemID string `json:"itemId"`
}

type rawMQTT struct {
	Broker            string           `json:"broker"`
	ClientID          string           `json:"clientId"`
	Username          string           `json:"username"`
	Password          string           `json:"password"`
	TopicPattern      string           `json:"topicPattern"`
	ReconnectInterval float64          `json:"reconnectInterval"` // seconds
	IdleTimeout       float64          `json:"idleTimeout"`       // seconds
	LogRawData        bool             `json:"logRawData"`
	Bindings          []rawMQTTBinding `json:"bindings"`
}

func buildMQTT(linkID string, r *rawMQTT, logger *slog.Logger) (handler.Handler, error) {
	pattern, err := mqtt.ParsePattern(r.TopicPattern)
	if err != nil {
		return nil, fmt.Errorf("mqtt %s: %w", linkID, err)
	}
	cfg := mqtt.Config{
		Broker:            r.Broker,
		ClientID:          r.ClientID,
		Username:          r.Username,
		Password:          r.Password,
		Pattern:           pattern,
		ReconnectInterval: seconds(r.ReconnectInterval),
		IdleTimeout:       seconds(r.IdleTimeout),
		LogRawData:        r.LogRawData,
	}
	for _, rb := range r.Bindings {
		cfg.Bindings = append(cfg.Bindings, mqtt.Binding{ItemID: rb.ItemID})
	}
	return mqtt.New(linkID, cfg, logger), nil
}

// --- Modbus ---

type rawModbusBinding struct {
	ItemID         string `json:"itemId"`
	UnitID         int    `json:"unitId"`
	FirstRegister  int    `json:"firstRegister"`
	LastRegister   int    `json:"lastRegister"`
	FactorRegister *int   `json:"factorRegister"`
}

type rawModbus struct {
	Hostname          string             `json:"hostname"`
	Port              int                `json:"port"`
	ReconnectInterval float64            `json:"reconnectInterval"` // seconds
	ResponseTimeout   float64            `json:"responseTimeout"`   // seconds
	LogRawData        bool               `json:"logRawData"`
	LogMsgs           bool               `json:"logMsgs"`
	Bindings          []rawModbusBinding `json:"bindings"`
}

func buildModbus(linkID string, r *rawModbus, logger *slog.Logger) (handler.Handler, error) {
	cfg := modbus.Config{
		Hostname:          r.Hostname,
		Port:              r.Port,
		ReconnectInterval: seconds(r.ReconnectInterval),
		ResponseTimeout:   seconds(r.ResponseTimeout),
		LogRawData:        r.LogRawData,
		LogMsgs:           r.LogMsgs,
	}
	for _, rb := range r.Bindings {
		factorRegister := -1
		if rb.FactorRegister != nil {
			factorRegister = *rb.FactorRegister
		}
		cfg.Bindings = append(cfg.Bindings, modbus.Binding{
			ItemID:         rb.ItemID,
			UnitID:         byte(rb.UnitID),
			FirstRegister:  rb.FirstRegister,
			LastRegister:   rb.LastRegister,
			FactorRegister: factorRegister,
		})
	}
	return modbus.New(linkID, cfg, logger), nil
}

// --- Port (serial) ---

type rawPortBinding struct {
	ItemID      string `json:"itemId"`
	Pattern     string `json:"pattern"`
	BinMatching bool   `json:"binMatching"`
}

type rawPort struct {
	Name            string           `json:"name"`
	BaudRate        int              `json:"baudRate"`
	DataBits        int              `json:"dataBits"`
	StopBits        int              `json:"stopBits"`
	Parity          string           `json:"parity"` // none, odd, even
	ReopenInterval  float64          `json:"reopenInterval"`  // seconds
	TimeoutInterval float64          `json:"timeoutInterval"` // seconds, 0 disables
	MsgPattern      string           `json:"msgPattern"`
	MaxMsgSize      int              `json:"maxMsgSize"`
	LogRawData      bool             `json:"logRawData"`
	LogRawDataInHex bool             `json:"logRawDataInHex"`
	Bindings        []rawPortBinding `json:"bindings"`
}

func parseParity(s string) (port.Parity, error) {
	switch s {
	case "", "none":
		return port.ParityNone, nil
	case "odd":
		return port.ParityOdd, nil
	case "even":
		return port.ParityEven, nil
	default:
		return 0, fmt.Errorf("unknown parity %q", s)
	}
}

func buildPort(linkID string, r *rawPort, logger *slog.Logger) (handler.Handler, error) {
	parity, err := parseParity(r.Parity)
	if err != nil {
		return nil, fmt.Errorf("port %s: %w", linkID, err)
	}
	cfg := port.Config{
		Name:            r.Name,
		BaudRate:        r.BaudRate,
		DataBits:        r.DataBits,
		StopBits:        r.StopBits,
		Parity:          parity,
		ReopenInterval:  seconds(r.ReopenInterval),
		TimeoutInterval: seconds(r.TimeoutInterval),
		MaxMsgSize:      r.MaxMsgSize,
		LogRawData:      r.LogRawData,
		LogRawDataInHex: r.LogRawDataInHex,
	}
	if r.MsgPattern != "" {
		re, err := regexp.Compile(r.MsgPattern)
		if err != nil {
			return nil, fmt.Errorf("port %s: msgPattern: %w", linkID, err)
		}
		cfg.MsgPattern = re
	}
	for _, rb := range r.Bindings {
		b := port.Binding{ItemID: rb.ItemID, BinMatching: rb.BinMatching}
		if rb.Pattern != "" {
			re, err := regexp.Compile(rb.Pattern)
			if err != nil {
				return nil, fmt.Errorf("port %s: item %s: %w", linkID, rb.ItemID, err)
			}
			b.Pattern = re
		}
		cfg.Bindings = append(cfg.Bindings, b)
	}
	return port.New(linkID, cfg, logger), nil
}

// --- HTTP ---

type rawHTTPBinding struct {
	ItemID          string            `json:"itemId"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers"`
	Request         string            `json:"request"`
	SoapAction      string            `json:"soapAction"`
	ResponsePattern string            `json:"responsePattern"`
}

type rawHTTP struct {
	User         string           `json:"user"`
	Password     string           `json:"password"`
	LogTransfers bool             `json:"logTransfers"`
	Timeout      float64          `json:"timeout"` // seconds
	Bindings     []rawHTTPBinding `json:"bindings"`
}

func buildHTTP(linkID string, r *rawHTTP, logger *slog.Logger) (handler.Handler, error) {
	cfg := handlerhttp.Config{
		User:         r.User,
		Password:     r.Password,
		LogTransfers: r.LogTransfers,
		Timeout:      seconds(r.Timeout),
	}
	for _, rb := range r.Bindings {
		b := handlerhttp.Binding{
			ItemID:     rb.ItemID,
			URL:        rb.URL,
			Headers:    rb.Headers,
			Request:    rb.Request,
			SoapAction: rb.SoapAction,
		}
		if rb.ResponsePattern != "" {
			re, err := regexp.Compile(rb.ResponsePattern)
			if err != nil {
				return nil, fmt.Errorf("http %s: item %s: %w", linkID, rb.ItemID, err)
			}
			b.ResponsePattern = re
		}
		cfg.Bindings = append(cfg.Bindings, b)
	}
	return handlerhttp.New(linkID, cfg, logger), nil
}

// --- TCP ---

type rawTCPBinding struct {
	ItemID      string `json:"itemId"`
	Pattern     string `json:"pattern"`
	BinMatching bool   `json:"binMatching"`
}

type rawTCP struct {
	Hostname          string          `json:"hostname"`
	Port              int             `json:"port"`
	TimeoutInterval   float64         `json:"timeoutInterval"` // seconds, 0 disables
	ReconnectInterval float64         `json:"reconnectInterval"`
	ConvertToHex      bool            `json:"convertToHex"`
	MsgPattern        string          `json:"msgPattern"`
	MaxMsgSize        int             `json:"maxMsgSize"`
	LogRawData        bool            `json:"logRawData"`
	Bindings          []rawTCPBinding `json:"bindings"`
}

func buildTCP(linkID string, r *rawTCP, logger *slog.Logger) (handler.Handler, error) {
	cfg := tcp.Config{
		Hostname:          r.Hostname,
		Port:              r.Port,
		TimeoutInterval:   seconds(r.TimeoutInterval),
		ReconnectInterval: seconds(r.ReconnectInterval),
		ConvertToHex:      r.ConvertToHex,
		MaxMsgSize:        r.MaxMsgSize,
		LogRawData:        r.LogRawData,
	}
	if r.MsgPattern != "" {
		re, err := regexp.Compile(r.MsgPattern)
		if err != nil {
			return nil, fmt.Errorf("tcp %s: msgPattern: %w", linkID, err)
		}
		cfg.MsgPattern = re
	}
	for _, rb := range r.Bindings {
		b := tcp.Binding{ItemID: rb.ItemID, BinMatching: rb.BinMatching}
		if rb.Pattern != "" {
			re, err := regexp.Compile(rb.Pattern)
			if err != nil {
				return nil, fmt.Errorf("tcp %s: item %s: %w", linkID, rb.ItemID, err)
			}
			b.Pattern = re
		}
		cfg.Bindings = append(cfg.Bindings, b)
	}
	return tcp.New(linkID, cfg, logger), nil
}

// --- Generator ---

type rawGeneratorBinding struct {
	ItemID    string          `json:"itemId"`
	EventType string          `json:"eventType"` // stateInd, writeReq, readReq
	Value     json.RawMessage `json:"value"`
	ValueType string          `json:"valueType"` // kind name used to interpret Value
	Interval  float64         `json:"interval"`  // seconds
}

type rawGenerator struct {
	Bindings []rawGeneratorBinding `json:"bindings"`
}

func parseEventType(s string) (event.Type, error) {
	switch s {
	case "", "stateInd":
		return event.StateInd, nil
	case "writeReq":
		return event.WriteReq, nil
	case "readReq":
		return event.ReadReq, nil
	default:
		return 0, fmt.Errorf("unknown generator event type %q", s)
	}
}

func buildGenerator(linkID string, r *rawGenerator) (handler.Handler, error) {
	cfg := generator.Config{}
	for _, rb := range r.Bindings {
		et, err := parseEventType(rb.EventType)
		if err != nil {
			return nil, fmt.Errorf("generator %s: item %s: %w", linkID, rb.ItemID, err)
		}
		v, err := valueFromJSON(rb.Value, rb.ValueType)
		if err != nil {
			return nil, fmt.Errorf("generator %s: item %s: %w", linkID, rb.ItemID, err)
		}
		cfg.Bindings = append(cfg.Bindings, generator.Binding{
			ItemID:    rb.ItemID,
			EventType: et,
			Value:     v,
			Interval:  seconds(rb.Interval),
		})
	}
	return generator.New(linkID, cfg), nil
}

// --- Storage ---

type rawStorageBinding struct {
	ItemID       string          `json:"itemId"`
	InitialValue json.RawMessage `json:"initialValue"`
	ValueType    string          `json:"valueType"`
	Persistent   bool            `json:"persistent"`
}

type rawStorage struct {
	FileName       string              `json:"fileName"`
	RereadInterval float64             `json:"rereadInterval"` // seconds
	Bindings       []rawStorageBinding `json:"bindings"`
}

func buildStorage(linkID string, r *rawStorage, logger *slog.Logger) (handler.Handler, error) {
	cfg := storage.Config{
		FileName:       r.FileName,
		RereadInterval: seconds(r.RereadInterval),
	}
	for _, rb := range r.Bindings {
		v, err := valueFromJSON(rb.InitialValue, rb.ValueType)
		if err != nil {
			return nil, fmt.Errorf("storage %s: item %s: %w", linkID, rb.ItemID, err)
		}
		cfg.Bindings = append(cfg.Bindings, storage.Binding{
			ItemID:       rb.ItemID,
			InitialValue: v,
			Persistent:   rb.Persistent,
		})
	}
	return storage.New(linkID, cfg, logger), nil
}

// valueFromJSON interprets raw JSON scalar data according to kindName
// (a value.Kind wire name). An empty/absent raw yields value.Null();
// callers that need an explicit "never observed" starting value omit
// the field entirely rather than writing a typed zero.
func valueFromJSON(raw json.RawMessage, kindName string) (value.Value, error) {
	if len(raw) == 0 {
		return value.Null(), nil
	}
	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return value.Value{}, fmt.Errorf("invalid value literal: %w", err)
	}
	if kindName == "" {
		switch v := parsed.(type) {
		case string:
			return value.NewString(v), nil
		case bool:
			return value.NewBoolean(v), nil
		case float64:
			return value.NewNumber(v, 0), nil
		case nil:
			return value.UndefinedValue(), nil
		default:
			return value.Value{}, fmt.Errorf("unsupported value literal %v", v)
		}
	}
	kind, err := value.ParseKind(kindName)
	if err != nil {
		return value.Value{}, err
	}
	switch kind {
	case value.String:
		s, _ := parsed.(string)
		return value.NewString(s), nil
	case value.Boolean:
		b, _ := parsed.(bool)
		return value.NewBoolean(b), nil
	case value.Number:
		n, _ := parsed.(float64)
		return value.NewNumber(n, 0), nil
	case value.Void:
		return value.VoidValue(), nil
	case value.Undefined:
		return value.UndefinedValue(), nil
	case value.TimePoint:
		s, _ := parsed.(string)
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return value.Value{}, fmt.Errorf("invalid time point %q: %w", s, err)
		}
		return value.NewTimePoint(t), nil
	default:
		return value.Value{}, fmt.Errorf("unsupported value kind %q", kindName)
	}
}
