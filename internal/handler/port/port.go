// Package port implements a receive-only serial port handler: it
// opens (with reopen-interval gating) a tty device using raw termios
// syscalls, frames complete messages out of the accumulating byte
// stream with a configurable pattern, and matches each framed message
// against per-item patterns to produce STATE_IND events. No serial
// port library is available in the dependency pack, so the device is
// configured directly via golang.org/x/sys/unix (see DESIGN.md).
package port

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/peti69/weaver/internal/event"
	"github.com/peti69/weaver/internal/handler"
	"github.com/peti69/weaver/internal/item"
	"github.com/peti69/weaver/internal/value"
)

// Parity selects the serial line's parity mode.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// Binding matches one owned item's pattern against every framed
// message. BinMatching selects matching against the message's decoded
// binary form instead of its as-received form.
type Binding struct {
	ItemID      string
	Pattern     *regexp.Regexp
	BinMatching bool
}

// Config is the serial port handler's static configuration.
type Config struct {
	Name            string
	BaudRate        int
	DataBits        int
	StopBits        int
	Parity          Parity
	ReopenInterval  time.Duration
	TimeoutInterval time.Duration // 0 disables the data timeout check
	MsgPattern      *regexp.Regexp
	MaxMsgSize      int
	LogRawData      bool
	LogRawDataInHex bool
	Bindings        []Binding
}

// Handler is a receive-only serial port client. Every item it owns
// must have an explicit binding; Send is always a no-op.
type Handler struct {
	id     string
	cfg    Config
	logger *slog.Logger

	wake chan struct{}

	evMu    sync.Mutex
	pending []event.Event

	stMu  sync.Mutex
	state handler.State
}

// New constructs a serial port Handler.
func New(id string, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{id: id, cfg: cfg, logger: logger, wake: make(chan struct{}, 1)}
}

func (h *Handler) ID() string { return h.id }

// Validate requires every owned item to have an explicit binding and
// marks owned items unreadable/unwritable.
func (h *Handler) Validate(items *item.Registry) error {
	bound := make(map[string]bool, len(h.cfg.Bindings))
	for _, b := range h.cfg.Bindings {
		bound[b.ItemID] = true
	}
	for _, it := range items.OwnedBy(h.id) {
		if !bound[it.ID] {
			return fmt.Errorf("port %s: item %s has no binding", h.id, it.ID)
		}
		it.Readable = false
		it.Writable = false
	}
	for _, b := range h.cfg.Bindings {
		if _, ok := items.Get(b.ItemID); !ok {
			return fmt.Errorf("port %s: item %s not found", h.id, b.ItemID)
		}
	}
	return nil
}

func (h *Handler) State() handler.State {
	h.stMu.Lock()
	defer h.stMu.Unlock()
	return h.state
}

func (h *Handler) Wake() <-chan struct{} { return h.wake }

// Start launches the background open/read loop.
func (h *Handler) Start(ctx context.Context) error {
	go h.run(ctx)
	return nil
}

// Receive drains whatever STATE_IND events the background loop has
// framed since the last call.
func (h *Handler) Receive(ctx context.Context, items *item.Registry) []event.Event {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	if len(h.pending) == 0 {
		return nil
	}
	out := h.pending
	h.pending = nil
	return out
}

// Send is a no-op: this handler never reacts to outbound events.
func (h *Handler) Send(ctx context.Context, items *item.Registry, events []event.Event) []event.Event {
	return nil
}

func (h *Handler) wakeUp() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handler) setOperational(v bool) {
	h.stMu.Lock()
	h.state.Operational = v
	h.stMu.Unlock()
}

func (h *Handler) recordError(err error) {
	h.stMu.Lock()
	h.state.ErrorCounter++
	h.stMu.Unlock()
	h.logger.Error("port error", "link", h.id, "error", err)
}

const readChunk = 256

func (h *Handler) run(ctx context.Context) {
	var file *os.File
	var lastOpenTry, lastDataReceipt time.Time
	var buf []byte

	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if file == nil {
			now := time.Now()
			if now.Before(lastOpenTry.Add(h.cfg.ReopenInterval)) {
				time.Sleep(20 * time.Millisecond)
				continue
			}
			lastOpenTry = now

			f, err := openSerialPort(h.cfg)
			if err != nil {
				h.recordError(err)
				continue
			}
			file = f
			lastDataReceipt = time.Now()
			buf = nil
			h.setOperational(true)
			h.logger.Info("serial port open", "link", h.id, "name", h.cfg.Name)
			continue
		}

		file.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		tmp := make([]byte, readChunk)
		n, err := file.Read(tmp)
		if err != nil {
			if os.IsTimeout(err) {
				if h.cfg.TimeoutInterval > 0 && time.Now().After(lastDataReceipt.Add(h.cfg.TimeoutInterval)) {
					h.recordError(fmt.Errorf("data transmission timed out"))
					h.reopen(&file, &buf)
				}
				continue
			}
			h.recordError(fmt.Errorf("read: %w", err))
			h.reopen(&file, &buf)
			continue
		}
		if n == 0 {
			continue
		}
		lastDataReceipt = time.Now()

		chunk := tmp[:n]
		if h.cfg.LogRawData {
			if h.cfg.LogRawDataInHex {
				h.logger.Debug("serial received", "link", h.id, "data", hex.EncodeToString(chunk))
			} else {
				h.logger.Debug("serial received", "link", h.id, "data", string(chunk))
			}
		}
		buf = append(buf, chunk...)

		if events := h.frameMessages(&buf); len(events) > 0 {
			h.evMu.Lock()
			h.pending = append(h.pending, events...)
			h.evMu.Unlock()
			h.wakeUp()
		}

		if h.cfg.MaxMsgSize > 0 && len(buf) > 2*h.cfg.MaxMsgSize {
			h.recordError(fmt.Errorf("data %q does not match message pattern", string(buf)))
			h.reopen(&file, &buf)
		}
	}
}

func (h *Handler) reopen(file **os.File, buf *[]byte) {
	if *file != nil {
		(*file).Close()
	}
	*file = nil
	*buf = nil
	h.setOperational(false)
}

// frameMessages repeatedly matches MsgPattern against buf, consuming
// each matched message and its pattern-defined suffix, and tests the
// whole matched message against every binding's own pattern.
func (h *Handler) frameMessages(buf *[]byte) []event.Event {
	var events []event.Event
	for {
		loc := h.cfg.MsgPattern.FindIndex(*buf)
		if loc == nil {
			break
		}
		msg := append([]byte(nil), (*buf)[loc[0]:loc[1]]...)
		*buf = append([]byte(nil), (*buf)[loc[1]:]...)

		binMsg := decodeBinary(msg)
		for _, b := range h.cfg.Bindings {
			target := msg
			if b.BinMatching {
				target = binMsg
			}
			m := b.Pattern.FindSubmatch(target)
			if len(m) < 2 {
				continue
			}
			events = append(events, event.NewStateInd(h.id, b.ItemID, value.NewString(string(m[1]))))
		}
	}
	return events
}

func decodeBinary(msg []byte) []byte {
	if b, err := hex.DecodeString(string(msg)); err == nil {
		return b
	}
	return msg
}

func baudConstant(rate int) (uint32, error) {
	switch rate {
	case 1200:
		return unix.B1200, nil
	case 1800:
		return unix.B1800, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	default:
		return 0, fmt.Errorf("unsupported baud rate %d", rate)
	}
}

func dataBitsConstant(bits int) (uint32, error) {
	switch bits {
	case 5:
		return unix.CS5, nil
	case 6:
		return unix.CS6, nil
	case 7:
		return unix.CS7, nil
	case 8:
		return unix.CS8, nil
	default:
		return 0, fmt.Errorf("unsupported data bits %d", bits)
	}
}

// openSerialPort opens the device read-only/non-blocking and
// configures baud rate, parity, data bits, and stop bits via termios,
// mirroring the original handler's raw tcgetattr/tcsetattr sequence.
func openSerialPort(cfg Config) (*os.File, error) {
	fd, err := unix.Open(cfg.Name, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Name, err)
	}

	settings, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcgetattr %s: %w", cfg.Name, err)
	}

	speed, err := baudConstant(cfg.BaudRate)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	cs, err := dataBitsConstant(cfg.DataBits)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	settings.Ispeed = uint32(speed)
	settings.Ospeed = uint32(speed)

	switch cfg.Parity {
	case ParityNone:
		settings.Cflag &^= unix.PARENB
	case ParityOdd:
		settings.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		settings.Cflag |= unix.PARENB
		settings.Cflag &^= unix.PARODD
	}

	settings.Cflag &^= unix.CSIZE
	settings.Cflag |= cs

	switch cfg.StopBits {
	case 1:
		settings.Cflag &^= unix.CSTOPB
	case 2:
		settings.Cflag |= unix.CSTOPB
	}

	settings.Cflag |= unix.CLOCAL | unix.CREAD
	settings.Lflag |= unix.ICANON | unix.ISIG

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, settings); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcsetattr %s: %w", cfg.Name, err)
	}

	return os.NewFile(uintptr(fd), cfg.Name), nil
}
