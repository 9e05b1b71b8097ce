package us

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// progressTracker records which symbols a gathering pass for one end date
// has finished, so an interrupted pass resumes where it stopped. The file
// starts with the end date; every later line is "SYMBOL\tok" or
// "SYMBOL\tempty". A pass for a new end date starts a fresh file.
type progressTracker struct {
	mu     sync.Mutex
	done   map[string]bool // symbol → returned data
	writer *bufio.Writer
	file   *os.File
}

const progressFile = ".progress"

// newProgressTracker opens the tracker in dir for endDate, loading the
// entries of an interrupted pass for the same date.
func newProgressTracker(dir, endDate string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress dir: %w", err)
	}
	path := filepath.Join(dir, progressFile)

	pt := &progressTracker{done: make(map[string]bool)}
	resume := false
	if data, err := os.ReadFile(path); err == nil {
		lines := strings.Split(string(data), "\n")
		if strings.TrimSpace(lines[0]) == endDate {
			resume = true
			for _, line := range lines[1:] {
				sym, status, ok := strings.Cut(strings.TrimSpace(line), "\t")
				if ok && sym != "" {
					pt.done[sym] = status == "ok"
				}
			}
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !resume {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	pt.file = f
	pt.writer = bufio.NewWriter(f)
	if !resume {
		if _, err := pt.writer.WriteString(endDate + "\n"); err != nil {
			f.Close()
			return nil, err
		}
		if err := pt.writer.Flush(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return pt, nil
}

// Done reports whether symbol was already handled in this pass.
func (p *progressTracker) Done(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.done[symbol]
	return ok
}

// Mark records symbol as handled.
func (p *progressTracker) Mark(symbol string, hadData bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.done[symbol]; ok {
		return nil
	}
	p.done[symbol] = hadData
	status := "empty"
	if hadData {
		status = "ok"
	}
	if _, err := p.writer.WriteString(symbol + "\t" + status + "\n"); err != nil {
		return fmt.Errorf("writing progress: %w", err)
	}
	return p.writer.Flush()
}

// Counts returns how many handled symbols had data and how many were empty.
func (p *progressTracker) Counts() (hits, empty int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ok := range p.done {
		if ok {
			hits++
		} else {
			empty++
		}
	}
	return hits, empty
}

// Close flushes and closes the progress file.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
