// monitor.go - an interactive terminal monitor for the demo: raw-mode
// stdin, line commands that inspect or drive the engine, and a `dump`
// command that copies a status snapshot to the clipboard.
//
// Grounded on IntuitionEngine's terminal_host.go (term.MakeRaw, a
// non-blocking stdin reader goroutine translating CR/DEL) and
// debug_monitor.go's command-dispatch shape (a line buffer fed byte by
// byte, dispatched whole on '\n').
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.design/x/clipboard"
	"golang.org/x/term"

	"github.com/retro64dev/cle"
)

// Monitor reads raw stdin lines and dispatches them against an Engine.
// Only instantiated from main for interactive use.
type Monitor struct {
	engine *cle.Engine

	fd           int
	oldTermState *term.State
	nonblockSet  bool
	stopCh       chan struct{}
	done         chan struct{}
	stopped      sync.Once

	line        []byte
	clipboardOK bool
	console     *LuaConsole
}

// NewMonitor builds a monitor bound to e. It owns its own Lua console so
// the "lua" command works independently of main.go's -script flag.
func NewMonitor(e *cle.Engine) *Monitor {
	return &Monitor{
		engine:  e,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		console: NewLuaConsole(e),
	}
}

// Start puts stdin into raw, non-blocking mode and begins reading
// commands in a goroutine. Call Stop to restore the terminal.
func (m *Monitor) Start() {
	m.fd = int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(m.fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: failed to set raw mode: %v\n", err)
		close(m.done)
		return
	}
	m.oldTermState = oldState

	if err := syscall.SetNonblock(m.fd, true); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: failed to set nonblocking stdin: %v\n", err)
		_ = term.Restore(m.fd, m.oldTermState)
		m.oldTermState = nil
		close(m.done)
		return
	}
	m.nonblockSet = true

	m.clipboardOK = clipboard.Init() == nil

	go m.loop()
}

func (m *Monitor) loop() {
	defer close(m.done)
	buf := make([]byte, 1)

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		n, err := syscall.Read(m.fd, buf)
		if n > 0 {
			m.feed(buf[0])
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			return
		}
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (m *Monitor) feed(b byte) {
	if b == '\r' {
		b = '\n'
	}
	if b == 0x7F {
		b = 0x08
	}
	switch b {
	case '\n':
		line := string(m.line)
		m.line = m.line[:0]
		fmt.Print("\r\n")
		m.dispatch(line)
	case 0x08:
		if len(m.line) > 0 {
			m.line = m.line[:len(m.line)-1]
			fmt.Print("\b \b")
		}
	default:
		m.line = append(m.line, b)
		fmt.Printf("%c", b)
	}
}

func (m *Monitor) dispatch(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "status":
		fmt.Printf("%+v\r\n", m.engine.Status())
	case "dump":
		m.dump()
	case "flush":
		if err := m.engine.Flush(); err != nil {
			fmt.Printf("flush: %v\r\n", err)
		}
	case "sync":
		if err := m.engine.Sync(); err != nil {
			fmt.Printf("sync: %v\r\n", err)
		} else {
			fmt.Print("sync complete\r\n")
		}
	case "signal":
		if len(fields) != 2 {
			fmt.Print("usage: signal <mask>\r\n")
			break
		}
		n, err := strconv.ParseUint(fields[1], 0, 8)
		if err != nil {
			fmt.Printf("signal: %v\r\n", err)
			break
		}
		if err := m.engine.Signal(byte(n)); err != nil {
			fmt.Printf("signal: %v\r\n", err)
		}
	case "mix":
		m.mix(fields[1:])
	case "lua":
		luaConsolePrompt(m.console, strings.TrimPrefix(line, "lua "))
	case "quit":
		m.Stop()
	default:
		fmt.Printf("unknown command: %q\r\n", fields[0])
	}
}

// mix <sample...> encodes the given decimal samples (interpreted as
// float32 values, e.g. a handful of "0.5 -0.5 0.0") as a command-0 payload
// for the demo's audio-mixer overlay and enqueues it on the normal ring.
func (m *Monitor) mix(args []string) {
	if len(args) == 0 {
		fmt.Print("usage: mix <sample...>\r\n")
		return
	}
	samples := make([]float32, len(args))
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 32)
		if err != nil {
			fmt.Printf("mix: %v\r\n", err)
			return
		}
		samples[i] = float32(f)
	}
	cmd := encodeMixCommand(mixerOverlayID, samples)
	buf, err := m.engine.Begin(uint32(len(cmd)))
	if err != nil {
		fmt.Printf("mix: %v\r\n", err)
		return
	}
	copy(buf, cmd)
	if err := m.engine.End(); err != nil {
		fmt.Printf("mix: %v\r\n", err)
		return
	}
	if err := m.engine.Flush(); err != nil {
		fmt.Printf("mix: %v\r\n", err)
	}
}

func (m *Monitor) dump() {
	st := m.engine.Status()
	snapshot := fmt.Sprintf("cle status: %+v", st)
	if !m.clipboardOK {
		fmt.Println(snapshot)
		return
	}
	clipboard.Write(clipboard.FmtText, []byte(snapshot))
	fmt.Print("status copied to clipboard\r\n")
}

// Stop terminates the reader goroutine and restores the terminal.
func (m *Monitor) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
	})
	<-m.done
	if m.nonblockSet {
		_ = syscall.SetNonblock(m.fd, false)
		m.nonblockSet = false
	}
	if m.oldTermState != nil {
		_ = term.Restore(m.fd, m.oldTermState)
		m.oldTermState = nil
	}
	m.console.Close()
}
