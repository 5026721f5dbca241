package elm327

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"
)

// Reading is one set of synthetic vehicle values.
type Reading struct {
	Speed    int
	RPM      int
	Throttle int
	FuelRate float64
}

// Synthetic maps time since the emulated ignition to vehicle values. It is
// a pure function so runs are reproducible.
func Synthetic(elapsed time.Duration) Reading {
	t := elapsed.Seconds()
	speed := int(60 + 40*math.Sin(2*math.Pi*t/60))
	throttle := speed * 100 / 140
	if throttle > 100 {
		throttle = 100
	}
	return Reading{
		Speed:    speed,
		RPM:      800 + speed*30,
		Throttle: throttle,
		FuelRate: 0.5 + float64(speed)/20,
	}
}

// Emulator is an in-process adapter. It answers AT commands with OK, data
// PIDs from Synthetic, and mode 04 with 44.
type Emulator struct {
	mu      sync.Mutex
	line    []byte
	out     bytes.Buffer
	ready   chan struct{}
	timeout time.Duration
	closed  bool
	echo    bool

	start time.Time
	now   func() time.Time

	requests  []string
	replies   map[string]string
	delays    map[string]delay
	dataCount int
	stallAt   int
}

type delay struct {
	d     time.Duration
	times int
}

// NewEmulator returns an emulator whose clock starts now.
func NewEmulator() *Emulator {
	return NewEmulatorClock(time.Now)
}

// NewEmulatorClock uses now for both the start time and synthetic values.
func NewEmulatorClock(now func() time.Time) *Emulator {
	return &Emulator{
		ready:   make(chan struct{}, 1),
		timeout: time.Second,
		echo:    true,
		start:   now(),
		now:     now,
		replies: make(map[string]string),
		delays:  make(map[string]delay),
		stallAt: -1,
	}
}

// Reply makes the emulator answer req with reply instead of the default.
// An empty reply means no answer at all, so the command times out.
func (e *Emulator) Reply(req, reply string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replies[strings.ToUpper(req)] = reply
}

// Delay holds back the next times answers to req by d.
func (e *Emulator) Delay(req string, d time.Duration, times int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delays[strings.ToUpper(req)] = delay{d: d, times: times}
}

// StallAfter stops all answers once n data commands have been served.
func (e *Emulator) StallAfter(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stallAt = n
}

// Requests returns every request line received so far.
func (e *Emulator) Requests() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.requests...)
}

func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, io.ErrClosedPipe
	}
	for _, b := range p {
		if b != '\r' {
			e.line = append(e.line, b)
			continue
		}
		req := strings.ToUpper(strings.TrimSpace(string(e.line)))
		e.line = e.line[:0]
		e.handle(req)
	}
	return len(p), nil
}

func (e *Emulator) handle(req string) {
	e.requests = append(e.requests, req)

	if e.stallAt >= 0 && e.dataCount >= e.stallAt {
		return
	}

	reply, custom := e.replies[req]
	if !custom {
		reply = e.respond(req)
	}
	if strings.HasPrefix(req, "01") {
		e.dataCount++
	}
	if reply == "" {
		return
	}

	var text string
	if e.echo {
		text = req + "\r"
	}
	if req == "ATE0" && strings.Contains(reply, "OK") {
		e.echo = false
	}
	text += reply + "\r\r>"

	if dl, ok := e.delays[req]; ok && dl.times > 0 {
		dl.times--
		e.delays[req] = dl
		time.AfterFunc(dl.d, func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if !e.closed {
				e.out.WriteString(text)
				e.notify()
			}
		})
		return
	}
	e.out.WriteString(text)
	e.notify()
}

func (e *Emulator) respond(req string) string {
	if strings.HasPrefix(req, "AT") {
		return "OK"
	}

	r := Synthetic(e.now().Sub(e.start))
	switch req {
	case "04":
		return "44"
	case Speed.Request:
		return fmt.Sprintf("41 0D %02X", r.Speed)
	case RPM.Request:
		raw := r.RPM * 4
		return fmt.Sprintf("41 0C %02X %02X", raw>>8, raw&0xFF)
	case Throttle.Request:
		return fmt.Sprintf("41 11 %02X", int(math.Ceil(float64(r.Throttle)*255/100)))
	case FuelRate.Request:
		raw := int(r.FuelRate * 20)
		return fmt.Sprintf("41 5E %02X %02X", raw>>8, raw&0xFF)
	}
	if strings.HasPrefix(req, "01") {
		return "NO DATA"
	}
	return "?"
}

func (e *Emulator) notify() {
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

func (e *Emulator) Read(p []byte) (int, error) {
	e.mu.Lock()
	deadline := time.Now().Add(e.timeout)
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if e.out.Len() > 0 {
			n, _ := e.out.Read(p)
			if e.out.Len() > 0 {
				e.notify()
			}
			e.mu.Unlock()
			return n, nil
		}
		if e.closed {
			e.mu.Unlock()
			return 0, io.EOF
		}
		e.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		select {
		case <-e.ready:
		case <-time.After(remaining):
			return 0, nil
		}
	}
}

func (e *Emulator) SetReadTimeout(t time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = t
	return nil
}

func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.notify()
	return nil
}
