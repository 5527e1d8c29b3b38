package main

import "testing"

func TestIsValidConfigKey(t *testing.T) {
	if !isValidConfigKey("sync.url") {
		t.Fatal("sync.url should be valid")
	}
	if isValidConfigKey("sync.bogus") {
		t.Fatal("sync.bogus should not be valid")
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{"true": true, "1": true, "false": false, "0": false}
	for in, want := range cases {
		got, err := parseBool(in)
		if err != nil {
			t.Fatalf("parseBool(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := parseBool("maybe"); err == nil {
		t.Fatal("expected error for invalid bool")
	}
}

func TestDBPathDefaultsWhenUnset(t *testing.T) {
	dbPathFlag = ""
	t.Setenv("OOSYNC_DB", "")
	if got := dbPath(); got != "./oosync.db" {
		t.Errorf("dbPath() = %q, want ./oosync.db", got)
	}

	t.Setenv("OOSYNC_DB", "/tmp/custom.db")
	if got := dbPath(); got != "/tmp/custom.db" {
		t.Errorf("dbPath() = %q, want /tmp/custom.db", got)
	}
}
