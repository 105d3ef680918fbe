package uci

import (
	"strings"
	"testing"
)

func TestBuildPositionCommand(t *testing.T) {
	if got := buildPositionCommand("startpos", nil); got != "position startpos\n" {
		t.Fatalf("startpos: got %q", got)
	}
	if got := buildPositionCommand("", []string{"e2e4", "e7e5"}); got != "position startpos moves e2e4 e7e5\n" {
		t.Fatalf("startpos with moves: got %q", got)
	}
	fen := "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	got := buildPositionCommand(fen, nil)
	if got != "position fen "+fen+"\n" {
		t.Fatalf("fen: got %q", got)
	}
}

func TestBuildGoTokens(t *testing.T) {
	tokens, err := buildGoTokens(Limits{MoveTimeMillis: 250})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(tokens, " ") != "go movetime 250" {
		t.Fatalf("movetime: got %v", tokens)
	}

	tokens, err = buildGoTokens(Limits{WTimeMillis: 60000, BTimeMillis: 45000, WIncMillis: 2000, BIncMillis: 2000})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(tokens, " ") != "go wtime 60000 btime 45000 winc 2000 binc 2000" {
		t.Fatalf("clock tokens: got %v", tokens)
	}

	tokens, err = buildGoTokens(Limits{Depth: 2, MoveTimeMillis: 300})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(tokens, " ") != "go depth 2 movetime 300" {
		t.Fatalf("depth with budget: got %v", tokens)
	}

	if _, err := buildGoTokens(Limits{}); err == nil {
		t.Fatal("empty limits must be rejected")
	}
}

func TestParseInfoLine(t *testing.T) {
	line := "info depth 12 seldepth 18 multipv 2 score cp -34 nodes 54321 pv e7e5 g1f3 b8c6"
	mv, cand, ok := parseInfo(line)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if mv != 2 {
		t.Fatalf("multipv: got %d", mv)
	}
	if cand.Move != "e7e5" || cand.EvalCP != -34 {
		t.Fatalf("candidate: got %+v", cand)
	}
	if len(cand.Principal) != 3 {
		t.Fatalf("principal: got %v", cand.Principal)
	}
}

func TestParseInfoMateScore(t *testing.T) {
	_, cand, ok := parseInfo("info depth 5 score mate -2 pv h7h8")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if cand.EvalCP != -30000 {
		t.Fatalf("mate score: got %d", cand.EvalCP)
	}
}

func TestParseInfoWithoutPV(t *testing.T) {
	if _, _, ok := parseInfo("info depth 10 currmove e2e4 currmovenumber 1"); ok {
		t.Fatal("lines without pv must be skipped")
	}
}

func TestCollapseCandidatesOrdersByMultiPV(t *testing.T) {
	out := collapseCandidates(map[int]Candidate{
		3: {Move: "c2c4"},
		1: {Move: "e2e4"},
		2: {Move: "d2d4"},
	})
	if len(out) != 3 || out[0].Move != "e2e4" || out[1].Move != "d2d4" || out[2].Move != "c2c4" {
		t.Fatalf("order: got %v", out)
	}
}

func TestValidateOptions(t *testing.T) {
	good := Options{Threads: 1, HashMB: 16, MultiPV: 1}
	if err := validateOptions(good); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
	if err := validateOptions(Options{HashMB: 0, MultiPV: 1}); err == nil {
		t.Fatal("zero hash must be rejected")
	}
	if err := validateOptions(Options{HashMB: 16, MultiPV: 1, SkillLevel: 21}); err == nil {
		t.Fatal("skill 21 must be rejected")
	}
}
