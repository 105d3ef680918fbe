// Package uci drives a Stockfish-compatible engine process over the UCI
// text protocol. One Session owns one subprocess; a single reader
// goroutine pumps stdout lines into a channel so a search can keep
// harvesting output after a "stop" is issued.
package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultReadyTimeout  = 4 * time.Second
	defaultStopGrace     = 2 * time.Second
	newGameRetryAttempts = 3
	newGameRetryDelay    = 150 * time.Millisecond
)

var (
	ErrSearchTimeout = errors.New("uci: search produced no bestmove before deadline")
	ErrEngineClosed  = errors.New("uci: engine process closed its output")
)

// Options are applied once at session startup via setoption. Elo > 0
// switches the engine into UCI_LimitStrength mode.
type Options struct {
	Threads        int
	HashMB         int
	MultiPV        int
	SkillLevel     int
	Elo            int
	MoveOverheadMs int
}

type Limits struct {
	Depth          int
	MoveTimeMillis int
	WTimeMillis    int
	BTimeMillis    int
	WIncMillis     int
	BIncMillis     int
}

type Candidate struct {
	Move      string
	EvalCP    int
	Principal []string
}

type Session struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	done  chan struct{}

	mu     sync.Mutex // guards stdin writes and shutdown
	search sync.Mutex // one search at a time
	closed bool
}

func NewSession(ctx context.Context, binaryPath string, opt Options) (*Session, error) {
	if err := validateOptions(opt); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := &Session{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	go s.pump(stdoutPipe)

	if err := s.initialize(ctx, opt); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) pump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		select {
		case s.lines <- strings.TrimSpace(scanner.Text()):
		case <-s.done:
			return
		}
	}
	close(s.lines)
}

type SearchRequest struct {
	FEN    string
	Moves  []string
	Limits Limits
	// StopGrace bounds how long a search waits for bestmove after the
	// budget elapsed and "stop" was sent. Zero means defaultStopGrace.
	StopGrace time.Duration
}

type SearchResponse struct {
	Candidates []Candidate
	BestMove   string
}

// Search runs one go command and collects info lines until bestmove.
// If the engine overruns its budget it is told to stop and given a
// short grace window to report what it has.
func (s *Session) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	s.search.Lock()
	defer s.search.Unlock()

	if err := s.send(buildPositionCommand(req.FEN, req.Moves)); err != nil {
		return SearchResponse{}, fmt.Errorf("send position: %w", err)
	}

	goTokens, err := buildGoTokens(req.Limits)
	if err != nil {
		return SearchResponse{}, err
	}
	if err := s.send(strings.Join(goTokens, " ") + "\n"); err != nil {
		return SearchResponse{}, fmt.Errorf("send go: %w", err)
	}

	grace := req.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}

	budget := computeSearchBudget(req.Limits)
	timer := time.NewTimer(budget)
	defer timer.Stop()

	candidates := make(map[int]Candidate)
	stopped := false

	for {
		select {
		case <-ctx.Done():
			_ = s.send("stop\n")
			return SearchResponse{}, ctx.Err()
		case <-timer.C:
			if stopped {
				return SearchResponse{}, ErrSearchTimeout
			}
			stopped = true
			if err := s.send("stop\n"); err != nil {
				return SearchResponse{}, fmt.Errorf("send stop: %w", err)
			}
			timer.Reset(grace)
		case line, ok := <-s.lines:
			if !ok {
				return SearchResponse{}, ErrEngineClosed
			}
			switch {
			case strings.HasPrefix(line, "info "):
				if mv, cand, parsed := parseInfo(line); parsed {
					candidates[mv] = cand
				}
			case strings.HasPrefix(line, "bestmove"):
				fields := strings.Fields(line)
				best := ""
				if len(fields) >= 2 && fields[1] != "(none)" {
					best = fields[1]
				}
				return SearchResponse{Candidates: collapseCandidates(candidates), BestMove: best}, nil
			}
		}
	}
}

// DumpFEN asks the engine to print the current position ("d") and
// returns the FEN it reports. Used to cross-check positions when a
// game record looks inconsistent.
func (s *Session) DumpFEN(ctx context.Context, fen string, moves []string) (string, error) {
	s.search.Lock()
	defer s.search.Unlock()

	if err := s.send(buildPositionCommand(fen, moves)); err != nil {
		return "", fmt.Errorf("send position: %w", err)
	}
	if err := s.send("d\n"); err != nil {
		return "", fmt.Errorf("send d: %w", err)
	}

	deadline := time.NewTimer(defaultReadyTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("dump position: no Fen line")
		case line, ok := <-s.lines:
			if !ok {
				return "", ErrEngineClosed
			}
			if rest, found := strings.CutPrefix(line, "Fen:"); found {
				return strings.TrimSpace(rest), nil
			}
		}
	}
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func validateOptions(opt Options) error {
	if opt.SkillLevel < 0 || opt.SkillLevel > 20 {
		return fmt.Errorf("skill level %d out of range 0-20", opt.SkillLevel)
	}
	if opt.HashMB <= 0 {
		return fmt.Errorf("hash size must be > 0: %d", opt.HashMB)
	}
	if opt.MultiPV <= 0 {
		return fmt.Errorf("multipv must be > 0: %d", opt.MultiPV)
	}
	if opt.Elo < 0 {
		return fmt.Errorf("elo must be >= 0: %d", opt.Elo)
	}
	return nil
}

func buildGoTokens(l Limits) ([]string, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
	}
	if l.WTimeMillis > 0 {
		args = append(args, "wtime", strconv.Itoa(l.WTimeMillis))
	}
	if l.BTimeMillis > 0 {
		args = append(args, "btime", strconv.Itoa(l.BTimeMillis))
	}
	if l.WIncMillis > 0 {
		args = append(args, "winc", strconv.Itoa(l.WIncMillis))
	}
	if l.BIncMillis > 0 {
		args = append(args, "binc", strconv.Itoa(l.BIncMillis))
	}
	if len(args) == 1 {
		return nil, fmt.Errorf("no search limits specified")
	}
	return args, nil
}

func computeSearchBudget(l Limits) time.Duration {
	if l.MoveTimeMillis > 0 {
		return time.Duration(l.MoveTimeMillis)*time.Millisecond + 500*time.Millisecond
	}
	if l.Depth > 0 {
		base := time.Duration(l.Depth) * 300 * time.Millisecond
		if base < 2*time.Second {
			base = 2 * time.Second
		}
		if base > 10*time.Second {
			base = 10 * time.Second
		}
		return base
	}
	return 6 * time.Second
}

func parseInfo(line string) (int, Candidate, bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return 0, Candidate{}, false
	}
	var (
		multipv = 1
		evalCP  int
		pvIdx   = -1
	)

	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					multipv = v
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				kind := parts[i+1]
				val := parts[i+2]
				switch kind {
				case "cp":
					if v, err := strconv.Atoi(val); err == nil {
						evalCP = v
					}
				case "mate":
					if v, err := strconv.Atoi(val); err == nil {
						const mateValue = 30000
						if v >= 0 {
							evalCP = mateValue
						} else {
							evalCP = -mateValue
						}
					}
				}
				i += 2
			}
		case "pv":
			pvIdx = i + 1
			i = len(parts)
		}
	}

	if pvIdx == -1 || pvIdx >= len(parts) {
		return 0, Candidate{}, false
	}
	principal := parts[pvIdx:]

	cand := Candidate{
		Move:      principal[0],
		EvalCP:    evalCP,
		Principal: append([]string(nil), principal...),
	}
	return multipv, cand, true
}

func collapseCandidates(m map[int]Candidate) []Candidate {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	result := make([]Candidate, 0, len(keys))
	for _, k := range keys {
		result = append(result, m[k])
	}
	return result
}

func (s *Session) EnsureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (s *Session) NewGame(ctx context.Context) error {
	if err := s.send("ucinewgame\n"); err != nil {
		return fmt.Errorf("send ucinewgame: %w", err)
	}

	for attempt := 1; attempt <= newGameRetryAttempts; attempt++ {
		err := s.EnsureReady(ctx)
		if err == nil {
			return nil
		}
		if attempt == newGameRetryAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(newGameRetryDelay):
		}
	}
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	if s.stdin != nil {
		s.stdin.Close()
	}

	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}

	if s.cmd != nil {
		return s.cmd.Wait()
	}
	return nil
}

func (s *Session) initialize(ctx context.Context, opt Options) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := s.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}

	if err := s.applyOptions(opt); err != nil {
		return err
	}

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}

	return nil
}

func (s *Session) applyOptions(opt Options) error {
	threadCount := opt.Threads
	if threadCount <= 0 {
		threadCount = 1
	}
	overhead := opt.MoveOverheadMs
	if overhead <= 0 {
		overhead = 100
	}
	cmds := []string{
		fmt.Sprintf("setoption name Threads value %d\n", threadCount),
		fmt.Sprintf("setoption name Hash value %d\n", opt.HashMB),
		fmt.Sprintf("setoption name Skill Level value %d\n", opt.SkillLevel),
		fmt.Sprintf("setoption name MultiPV value %d\n", opt.MultiPV),
		fmt.Sprintf("setoption name Move Overhead value %d\n", overhead),
	}
	if opt.Elo > 0 {
		cmds = append(cmds,
			"setoption name UCI_LimitStrength value true\n",
			fmt.Sprintf("setoption name UCI_Elo value %d\n", opt.Elo),
		)
	}
	for _, cmd := range cmds {
		if err := s.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return nil
}

func (s *Session) send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrEngineClosed
	}
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *Session) awaitToken(ctx context.Context, token string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-s.lines:
			if !ok {
				return ErrEngineClosed
			}
			if strings.Contains(line, token) {
				return nil
			}
		}
	}
}
