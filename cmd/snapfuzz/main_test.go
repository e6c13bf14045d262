package main

import "testing"

func TestRunMissingTarget(t *testing.T) {
	// fuzz evm without -t is a configuration error.
	if code := run([]string{"snapfuzz", "fuzz", "evm"}); code != exitConfig {
		t.Errorf("exit = %d, want %d", code, exitConfig)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"snapfuzz", "mine"}); code == exitBugFound {
		t.Errorf("unexpected bug-found exit for unknown command")
	}
}

func TestParseTargets(t *testing.T) {
	got, err := parseTargets("0x2000000000000000000000000000000000000002, 0x2000000000000000000000000000000000000003")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("targets = %d, want 2", len(got))
	}

	if _, err := parseTargets("not-an-address"); err == nil {
		t.Error("bad address accepted")
	}
	if _, err := parseTargets(""); err == nil {
		t.Error("empty target list accepted")
	}
}

func TestChainTagResolution(t *testing.T) {
	if chainIDs["eth"] != 1 || chainIDs["bsc"] != 56 {
		t.Error("chain tag table broken")
	}
}
