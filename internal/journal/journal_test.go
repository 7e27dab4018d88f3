package journal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReplay(t *testing.T) {
	root := t.TempDir()

	j, err := Open(root, "trade1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	states := []string{"keys_sent", "awaiting_bob_keys", "keys_verified"}
	for _, s := range states {
		if _, err := j.Append(s, Evidence{MsgIDs: []string{"m-" + s}}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if j.LastState() != "keys_verified" {
		t.Errorf("last state = %q", j.LastState())
	}
	j.Close()

	// Replay must reproduce the same records and final state.
	j2, err := Open(root, "trade1")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer j2.Close()

	recs := j2.Records()
	if len(recs) != len(states) {
		t.Fatalf("replayed %d records, want %d", len(recs), len(states))
	}
	for i, s := range states {
		if recs[i].State != s {
			t.Errorf("record %d state = %q, want %q", i, recs[i].State, s)
		}
		if recs[i].Seq != uint64(i+1) {
			t.Errorf("record %d seq = %d", i, recs[i].Seq)
		}
	}
	if j2.LastState() != "keys_verified" {
		t.Errorf("replayed last state = %q", j2.LastState())
	}

	// Replaying twice is idempotent.
	j2.Close()
	j3, err := Open(root, "trade1")
	if err != nil {
		t.Fatalf("third open failed: %v", err)
	}
	defer j3.Close()
	if j3.LastState() != "keys_verified" {
		t.Errorf("second replay diverged: %q", j3.LastState())
	}
}

func TestCorruptionQuarantine(t *testing.T) {
	root := t.TempDir()

	j, err := Open(root, "trade2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	j.Append("keys_sent", Evidence{})
	j.Append("keys_verified", Evidence{})
	j.Close()

	// Flip one byte inside the first record: the second record's prev
	// hash no longer matches.
	path := filepath.Join(root, "trades", "ongoing", "trade2.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	firstLine := bytes.IndexByte(data, '\n')
	if firstLine <= 0 {
		t.Fatal("unexpected log layout")
	}
	data[firstLine/2] ^= 0xff
	os.WriteFile(path, data, 0600)

	_, err = Open(root, "trade2")
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}

	// The log must be quarantined, not deleted.
	if _, err := os.Stat(path + ".quarantine"); err != nil {
		t.Error("quarantine file missing")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupted log still in place")
	}
}

func TestArchive(t *testing.T) {
	root := t.TempDir()

	j, err := Open(root, "trade3")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	j.Append("success", Evidence{TxIDs: []string{"deadbeef"}})
	if err := j.WriteSnapshot("client", []byte(`{"state":"success"}`)); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	if err := j.Archive(); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	// Files moved to completed/.
	if _, err := os.Stat(filepath.Join(root, "trades", "completed", "trade3.log")); err != nil {
		t.Error("archived log missing")
	}
	if _, err := os.Stat(filepath.Join(root, "trades", "completed", "trade3-client.json")); err != nil {
		t.Error("archived snapshot missing")
	}

	// Terminated trades disappear from the ongoing listing.
	ids, err := ListOngoing(root)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, id := range ids {
		if id == "trade3" {
			t.Error("archived trade still listed as ongoing")
		}
	}

	// Appending after archive is refused.
	if _, err := j.Append("more", Evidence{}); !errors.Is(err, ErrArchived) {
		t.Errorf("expected ErrArchived, got %v", err)
	}
}

func TestListOngoing(t *testing.T) {
	root := t.TempDir()

	for _, id := range []string{"a", "b"} {
		j, err := Open(root, id)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		j.Append("keys_sent", Evidence{})
		j.Close()
	}

	ids, err := ListOngoing(root)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("listed %d trades, want 2", len(ids))
	}
}
