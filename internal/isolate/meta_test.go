package isolate

import (
	"testing"
)

func TestParseMeta_Defaults(t *testing.T) {
	m := ParseMeta([]byte(""))
	if m.Status != StatusOK {
		t.Errorf("expected default status %s, got %s", StatusOK, m.Status)
	}
	if m.ExitCode != 0 || m.Time != 0 || m.WallTime != 0 {
		t.Errorf("expected zero-valued defaults, got %+v", m)
	}
}

func TestParseMeta_StatusTranslation(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"OK", StatusOK},
		{"RE", StatusRuntimeError},
		{"TO", StatusTimedOut},
		{"SG", StatusSignaled},
		{"XX", StatusInternalError},
		{"WEIRD", "WEIRD"}, // unmapped short code passes through verbatim
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			m := ParseMeta([]byte("status:" + tt.raw + "\n"))
			if m.Status != tt.want {
				t.Errorf("status %q: got %q, want %q", tt.raw, m.Status, tt.want)
			}
		})
	}
}

func TestParseMeta_CgOOMKilledOverridesStatus(t *testing.T) {
	content := "status:RE\nexitcode:1\ncg-oom-killed:1\ncg-mem:65536\n"
	m := ParseMeta([]byte(content))
	if m.Status != StatusOutOfMemory {
		t.Errorf("expected cg-oom-killed to override status to %s, got %s", StatusOutOfMemory, m.Status)
	}
	if m.CgMem != 65536 {
		t.Errorf("expected cg-mem 65536, got %d", m.CgMem)
	}
}

func TestParseMeta_RenamesTimeWall(t *testing.T) {
	m := ParseMeta([]byte("time:1.5\ntime-wall:2.25\n"))
	if m.Time != 1.5 {
		t.Errorf("expected Time 1.5, got %v", m.Time)
	}
	if m.WallTime != 2.25 {
		t.Errorf("expected WallTime 2.25, got %v", m.WallTime)
	}
}

func TestParseMeta_ExitSigMessage(t *testing.T) {
	m := ParseMeta([]byte("exitsig:11\n"))
	if m.ExitSigMessage == nil {
		t.Fatal("expected ExitSigMessage to be set when exitsig is present")
	}
	if *m.ExitSigMessage != "Segmentation fault" {
		t.Errorf("expected Segmentation fault, got %q", *m.ExitSigMessage)
	}
}

func TestParseMeta_UnknownKeysGoToExtra(t *testing.T) {
	m := ParseMeta([]byte("status:OK\nsome-future-key:42\n"))
	if m.Extra["some-future-key"] != "42" {
		t.Errorf("expected unknown key preserved in Extra, got %+v", m.Extra)
	}
}

func TestParseMeta_SkipsMalformedAndEmptyLines(t *testing.T) {
	m := ParseMeta([]byte("status:OK\n\nnotakeyvaluepair\nexitcode:3\n"))
	if m.Status != StatusOK || m.ExitCode != 3 {
		t.Errorf("expected malformed/empty lines to be skipped, got %+v", m)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	original := DefaultMetaRecord()
	original.ExitCode = 1
	original.Time = 0.842
	original.WallTime = 1.1
	original.MaxRSS = 4096
	original.CgMem = 8192

	encoded := EncodeMeta(original)
	decoded := ParseMeta(encoded)

	if decoded.Status != original.Status {
		t.Errorf("status round-trip: got %s, want %s", decoded.Status, original.Status)
	}
	if decoded.ExitCode != original.ExitCode {
		t.Errorf("exit code round-trip: got %d, want %d", decoded.ExitCode, original.ExitCode)
	}
	if decoded.MaxRSS != original.MaxRSS || decoded.CgMem != original.CgMem {
		t.Errorf("memory fields round-trip mismatch: got %+v, want %+v", decoded, original)
	}
	if decoded.ExitSigMessage != nil {
		t.Errorf("expected ExitSigMessage nil for a default (exitsig 0) record, got %q", *decoded.ExitSigMessage)
	}
}

func TestSignalMessage_Unknown(t *testing.T) {
	if got := signalMessage(999); got != "Signal 999" {
		t.Errorf("expected fallback message for unknown signal, got %q", got)
	}
}
