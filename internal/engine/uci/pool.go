package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
)

// PoolConfig configures a session pool.
type PoolConfig struct {
	BinaryPath string
	// SessionsPerProfile caps live subprocesses per option profile.
	// Zero picks a CPU-based default.
	SessionsPerProfile int
}

// Pool keeps warm engine sessions grouped by option profile, so a bot
// that plays at a fixed strength reuses a process instead of paying
// startup cost per move. Each profile holds a token semaphore sized
// to its capacity: spawning a session takes a token, retiring one
// returns it, and an Acquire past capacity blocks until a session is
// released or the context ends.
type Pool struct {
	binary   string
	capacity int

	mu       sync.Mutex
	profiles map[string]*profile
	owner    map[*Session]*profile
	closed   bool
}

type profile struct {
	opt    Options
	binary string
	idle   chan *Session
	slots  chan struct{}
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("binary path required")
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("stockfish binary check: %w", err)
	}

	capacity := cfg.SessionsPerProfile
	if capacity <= 0 {
		capacity = defaultSessionsPerProfile()
	}

	return &Pool{
		binary:   cfg.BinaryPath,
		capacity: capacity,
		profiles: make(map[string]*profile),
		owner:    make(map[*Session]*profile),
	}, nil
}

func (p *Pool) Acquire(ctx context.Context, opt Options) (*Session, error) {
	pr, err := p.profile(opt)
	if err != nil {
		return nil, err
	}

	for {
		session, fresh, err := pr.next(ctx)
		if err != nil {
			return nil, err
		}
		// A parked session may have died while idle.
		if !fresh {
			if err := session.EnsureReady(ctx); err != nil {
				pr.retire(session)
				continue
			}
		}
		p.mu.Lock()
		p.owner[session] = pr
		p.mu.Unlock()
		return session, nil
	}
}

// Release parks the session for reuse. A non-nil err marks it
// suspect; it is torn down and its capacity slot freed instead.
func (p *Pool) Release(session *Session, err error) {
	if session == nil {
		return
	}

	p.mu.Lock()
	pr, tracked := p.owner[session]
	delete(p.owner, session)
	closed := p.closed
	p.mu.Unlock()

	if !tracked || closed {
		_ = session.Close()
		return
	}
	if err != nil {
		pr.retire(session)
		return
	}
	select {
	case pr.idle <- session:
	default:
		pr.retire(session)
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	profiles := make([]*profile, 0, len(p.profiles))
	for _, pr := range p.profiles {
		profiles = append(profiles, pr)
	}
	p.owner = make(map[*Session]*profile)
	p.mu.Unlock()

	var errs []error
	for _, pr := range profiles {
	drain:
		for {
			select {
			case session := <-pr.idle:
				if err := session.Close(); err != nil {
					errs = append(errs, err)
				}
			default:
				break drain
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) profile(opt Options) (*profile, error) {
	if err := validateOptions(opt); err != nil {
		return nil, err
	}
	key := profileKey(opt)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrEngineClosed
	}
	pr, ok := p.profiles[key]
	if !ok {
		pr = &profile{
			opt:    opt,
			binary: p.binary,
			idle:   make(chan *Session, p.capacity),
			slots:  make(chan struct{}, p.capacity),
		}
		p.profiles[key] = pr
	}
	return pr, nil
}

// next hands out an idle session, spawns a fresh one if a capacity
// slot is free, or waits for whichever comes first.
func (pr *profile) next(ctx context.Context) (*Session, bool, error) {
	select {
	case session := <-pr.idle:
		return session, false, nil
	default:
	}

	select {
	case session := <-pr.idle:
		return session, false, nil
	case pr.slots <- struct{}{}:
		session, err := NewSession(ctx, pr.binary, pr.opt)
		if err != nil {
			<-pr.slots
			return nil, false, err
		}
		return session, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (pr *profile) retire(session *Session) {
	_ = session.Close()
	<-pr.slots
}

func profileKey(opt Options) string {
	return fmt.Sprintf("thr=%d|skill=%d|hash=%d|multipv=%d|elo=%d|ovh=%d",
		opt.Threads,
		opt.SkillLevel,
		opt.HashMB,
		opt.MultiPV,
		opt.Elo,
		opt.MoveOverheadMs)
}

func defaultSessionsPerProfile() int {
	cpu := runtime.NumCPU()
	if cpu < 2 {
		return 2
	}
	if cpu > 4 {
		return 4
	}
	return cpu
}
