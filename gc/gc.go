// Package gc implements the offline garbage collection pass for orphaned
// blobs: a push that writes its blob but never lands its Journal
// op (a crash, a cancelled context) leaves a blob with no index entry
// pointing to it. Sweep reclaims those.
package gc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postvault.dev/ident"
	"postvault.dev/storage"
)

// Result reports what one Sweep did.
type Result struct {
	Prefix    string
	Scanned   int
	Reclaimed int
	Err       error
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("gc: prefix=%q scanned=%d reclaimed=%d err=%q", r.Prefix, r.Scanned, r.Reclaimed, r.Err)
	}
	return fmt.Sprintf("gc: prefix=%q scanned=%d reclaimed=%d", r.Prefix, r.Scanned, r.Reclaimed)
}

// Sweep lists every blob under prefix (e.g. "mailbox/<id>/" or
// "calendar/<id>/") and deletes those whose trailing entity id is not a key
// of live. It never touches a blob whose address doesn't parse as
// `<prefix><hex-id>` — that's a different collection's blob living under an
// accidentally-overlapping prefix, not garbage.
func Sweep(ctx context.Context, blobs storage.BlobStore, prefix string, live map[ident.UniqueIdent]bool) (Result, error) {
	res := Result{Prefix: prefix}

	addrs, err := blobs.BlobList(ctx, prefix)
	if err != nil {
		return res, fmt.Errorf("gc.Sweep: list %q: %v", prefix, err)
	}
	res.Scanned = len(addrs)

	for _, addr := range addrs {
		id, ok := entityID(string(addr), prefix)
		if !ok {
			continue
		}
		if live[id] {
			continue
		}
		if err := blobs.BlobRm(ctx, addr); err != nil {
			return res, fmt.Errorf("gc.Sweep: rm %q: %v", addr, err)
		}
		res.Reclaimed++
	}
	return res, nil
}

func entityID(addr, prefix string) (ident.UniqueIdent, bool) {
	rest := strings.TrimPrefix(addr, prefix)
	if rest == addr {
		return ident.UniqueIdent{}, false
	}
	id, err := ident.Parse(rest)
	if err != nil {
		return ident.UniqueIdent{}, false
	}
	return id, true
}

// Sweeper periodically sweeps a fixed set of prefixes against a
// caller-supplied liveness snapshot: a ticker-driven loop with an
// on-demand trigger channel and context-cancel shutdown.
type Sweeper struct {
	Logf func(format string, v ...interface{})

	blobs   storage.BlobStore
	targets func(ctx context.Context) (map[string]map[ident.UniqueIdent]bool, error)

	ctx      context.Context
	cancelFn func()
	done     chan struct{}
	sweepNow chan struct{}
}

// NewSweeper builds a Sweeper. targets is called at the start of every pass
// and must return, for each blob-address prefix to scan, the set of
// currently-live entity ids under it.
func NewSweeper(blobs storage.BlobStore, targets func(ctx context.Context) (map[string]map[ident.UniqueIdent]bool, error)) *Sweeper {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &Sweeper{
		Logf:     func(string, ...interface{}) {},
		blobs:    blobs,
		targets:  targets,
		ctx:      ctx,
		cancelFn: cancelFn,
		done:     make(chan struct{}),
		sweepNow: make(chan struct{}, 1),
	}
}

// SweepNow requests an immediate pass without waiting for the next tick.
func (s *Sweeper) SweepNow() {
	select {
	case s.sweepNow <- struct{}{}:
	default:
	}
}

// Run blocks, sweeping every 30 minutes or on SweepNow, until Shutdown.
func (s *Sweeper) Run() error {
	defer close(s.done)

	t := time.NewTicker(30 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-t.C:
		case <-s.sweepNow:
		}
		s.pass()
	}
}

func (s *Sweeper) pass() {
	start := time.Now()
	targets, err := s.targets(s.ctx)
	if err != nil {
		s.Logf("gc: pass: list targets: %v", err)
		return
	}
	var reclaimed int
	for prefix, live := range targets {
		res, err := Sweep(s.ctx, s.blobs, prefix, live)
		reclaimed += res.Reclaimed
		if err != nil {
			s.Logf("%s", res)
			continue
		}
		if res.Reclaimed > 0 {
			s.Logf("%s", res)
		}
	}
	s.Logf("gc: pass complete in %s, reclaimed=%d", time.Since(start), reclaimed)
}

// Shutdown cancels the running pass (if any) and waits for Run to return.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.cancelFn()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
