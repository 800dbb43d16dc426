package reputation

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/Wikid82/perimeter/internal/logger"
)

type feedData struct {
	exact    map[netip.Addr]float64
	prefixes []prefixScore
}

type prefixScore struct {
	prefix netip.Prefix
	score  float64
}

// FileFeed is a ThreatIndicatorFeed backed by a local list of addresses and
// CIDR ranges. Each line is "ip[,score]" or "cidr[,score]"; blank lines and
// lines starting with # are ignored. A missing score means 1.0.
type FileFeed struct {
	path    string
	data    atomic.Pointer[feedData]
	loadMu  sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileFeed loads path. A missing file yields an empty feed.
func NewFileFeed(path string) (*FileFeed, error) {
	f := &FileFeed{path: filepath.Clean(path)}
	f.data.Store(&feedData{exact: map[netip.Addr]float64{}})
	if err := f.Load(); err != nil {
		return nil, err
	}
	return f, nil
}

// Lookup returns the highest score matching ip.
func (f *FileFeed) Lookup(ip string) (float64, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return 0, false
	}
	addr = addr.Unmap()
	d := f.data.Load()

	score, found := d.exact[addr]
	for _, p := range d.prefixes {
		if p.prefix.Contains(addr) && (!found || p.score > score) {
			score, found = p.score, true
		}
	}
	return score, found
}

// Len returns the number of loaded indicators.
func (f *FileFeed) Len() int {
	d := f.data.Load()
	return len(d.exact) + len(d.prefixes)
}

// Load rereads the file and swaps the indicator set in one step.
func (f *FileFeed) Load() error {
	f.loadMu.Lock()
	defer f.loadMu.Unlock()

	log := logger.Component("reputation").WithField("file", f.path)

	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("threat feed file not found, starting with empty list")
			f.data.Store(&feedData{exact: map[netip.Addr]float64{}})
			return nil
		}
		return fmt.Errorf("open threat feed: %w", err)
	}
	defer file.Close()

	next := &feedData{exact: map[netip.Addr]float64{}}
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		target, scoreStr, hasScore := strings.Cut(line, ",")
		target = strings.TrimSpace(target)

		score := 1.0
		if hasScore {
			v, err := strconv.ParseFloat(strings.TrimSpace(scoreStr), 64)
			if err != nil {
				log.WithField("line", lineNo).Debug("invalid score in threat feed, skipping")
				continue
			}
			score = clamp(v)
		}

		if strings.Contains(target, "/") {
			p, err := netip.ParsePrefix(target)
			if err != nil {
				log.WithField("line", lineNo).Debug("invalid CIDR in threat feed, skipping")
				continue
			}
			next.prefixes = append(next.prefixes, prefixScore{prefix: p.Masked(), score: score})
			continue
		}
		addr, err := netip.ParseAddr(target)
		if err != nil {
			log.WithField("line", lineNo).Debug("invalid IP in threat feed, skipping")
			continue
		}
		next.exact[addr.Unmap()] = score
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read threat feed: %w", err)
	}

	f.data.Store(next)
	log.WithField("count", len(next.exact)+len(next.prefixes)).Info("loaded threat feed")
	return nil
}

// Watch reloads the feed whenever the file is written, created or renamed into
// place. It returns once the watcher is installed; the loop runs until ctx is
// cancelled or Close is called.
func (f *FileFeed) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create threat feed watcher: %w", err)
	}
	// watch the directory so editors that replace the file are still seen
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}
	f.watcher = w
	f.done = make(chan struct{})

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		log := logger.Component("reputation").WithField("file", f.path)
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != f.path {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					if err := f.Load(); err != nil {
						log.WithError(err).Warn("threat feed reload failed, keeping previous list")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("threat feed watcher error")
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (f *FileFeed) Close() error {
	if f.watcher == nil {
		return nil
	}
	close(f.done)
	err := f.watcher.Close()
	f.wg.Wait()
	f.watcher = nil
	return err
}
