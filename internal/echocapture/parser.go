// Package echocapture watches a pane's keystroke and output streams to find
// the body printed by a single-file display command (cat by default) and hand
// it to a clipboard sink.
//
// Detection is textual and approximate. Output that contains a prompt marker
// ($, # or >) before the real prompt returns ends the captured body early.
package echocapture

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

// Notice is written into the pane after a successful capture.
const Notice = "\r\n[Clipboard copied]\r\n"

// DefaultMaxBuffer bounds the output buffered while waiting for a prompt.
const DefaultMaxBuffer = 1 << 20

const promptMarkers = "$#>"

var commandPattern = regexp.MustCompile(`[$#>]\s*(.+)`)

// Sink receives captured text.
type Sink interface {
	Copy(text string) error
}

// Config controls a Parser.
type Config struct {
	Enabled bool
	// Verb is the display command, "cat" when empty.
	Verb string
	Sink Sink
	// Notify receives the confirmation notice. It runs on the ObserveOutput
	// caller's goroutine before the chunk is returned.
	Notify    func(notice []byte)
	MaxBuffer int
	Logger    pslog.Logger
}

// Parser holds the command trace for one pane.
type Parser struct {
	mu      sync.Mutex
	cfg     Config
	log     pslog.Logger
	pending []rune
	command string
	buffer  strings.Builder
	done    bool
}

// New constructs a Parser.
func New(cfg Config) *Parser {
	if strings.TrimSpace(cfg.Verb) == "" {
		cfg.Verb = schema.DefaultCaptureVerb
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultMaxBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Parser{cfg: cfg, log: log, done: true}
}

// SetEnabled toggles capture. Disabling drops any pending trace.
func (p *Parser) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Enabled = enabled
	if !enabled {
		p.resetLocked("")
		p.pending = p.pending[:0]
	}
}

// Command returns the last submitted command line.
func (p *Parser) Command() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.command
}

// ObserveInput scans keystrokes sent to the remote shell. Each completed line
// becomes the submitted command: the text after the first prompt marker when
// the line carries one, the whole line otherwise.
func (p *Parser) ObserveInput(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cfg.Enabled {
		return
	}
	for _, r := range string(data) {
		switch r {
		case '\r', '\n':
			p.submitLocked(string(p.pending))
			p.pending = p.pending[:0]
		case 0x7f, 0x08:
			if len(p.pending) > 0 {
				p.pending = p.pending[:len(p.pending)-1]
			}
		case 0x03, 0x15:
			p.pending = p.pending[:0]
		default:
			if r >= 0x20 || r == '\t' {
				p.pending = append(p.pending, r)
			}
		}
	}
}

func (p *Parser) submitLocked(line string) {
	command := strings.TrimSpace(line)
	if strings.ContainsAny(line, promptMarkers) {
		match := commandPattern.FindStringSubmatch(line)
		if match == nil {
			return
		}
		command = strings.TrimSpace(match[1])
	}
	if command == "" {
		return
	}
	p.resetLocked(command)
	if p.capturable(command) {
		p.buffer.WriteString(line)
		p.buffer.WriteByte('\n')
		p.done = false
		p.log.Trace("echocapture tracking", "command", command)
	}
}

func (p *Parser) resetLocked(command string) {
	p.command = command
	p.buffer.Reset()
	p.done = true
}

func (p *Parser) capturable(command string) bool {
	if !strings.HasPrefix(command, p.cfg.Verb+" ") {
		return false
	}
	return !strings.Contains(command, ">")
}

// ObserveOutput scans a chunk delivered to the pane and returns it unchanged.
func (p *Parser) ObserveOutput(data []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cfg.Enabled || p.done || len(data) == 0 {
		return data
	}
	if p.buffer.Len()+len(data) > p.cfg.MaxBuffer {
		p.log.Debug("echocapture abandoned", "command", p.command, "reason", "buffer limit")
		p.buffer.Reset()
		p.done = true
		return data
	}
	p.buffer.Write(data)
	body, ok := extract(p.buffer.String(), p.command)
	if !ok {
		return data
	}
	p.buffer.Reset()
	p.done = true
	if body == "" {
		return data
	}
	p.capture(body)
	return data
}

func (p *Parser) capture(body string) {
	if sink := p.cfg.Sink; sink != nil {
		log := p.log
		go func() {
			if err := sink.Copy(body); err != nil {
				log.Warn("echocapture clipboard failed", "err", err)
				return
			}
			log.Debug("echocapture clipboard copied", "bytes", len(body))
		}()
	}
	if p.cfg.Notify != nil {
		p.cfg.Notify([]byte(Notice))
	}
}

// extract finds the lines between the command echo and the next prompt line.
// It reports false while the prompt has not shown up yet.
func extract(buffer, command string) (string, bool) {
	lines := strings.Split(buffer, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	anchor := -1
	for i, line := range lines {
		if strings.Contains(line, command) {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return "", false
	}
	// The remote pty echoes the command again; skip those lines.
	for anchor+1 < len(lines) && strings.Contains(lines[anchor+1], command) {
		anchor++
	}
	content := lines[anchor+1:]
	prompt := -1
	for i, line := range content {
		if strings.ContainsAny(line, promptMarkers) {
			prompt = i
			break
		}
	}
	if prompt <= 0 {
		return "", false
	}
	return strings.TrimSpace(strings.Join(content[:prompt], "\n")), true
}
